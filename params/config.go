package params

import (
	"math/big"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Signing describes the EIP-712 domain every order and escrow release
// is hashed under. Changing any field changes every fingerprint, so a
// signature can never be replayed against a different deployment.
type Signing struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

type API struct {
	ListenAddr     string
	AllowedOrigins []string
}

type Node struct {
	DataDir      string
	LogFile      string
	AuditLogFile string
}

type Config struct {
	Signing Signing
	API     API
	Node    Node
}

func Default() Config {
	return Config{
		Signing: Signing{
			Name:              "CoveSwap",
			Version:           "1",
			ChainID:           big.NewInt(1337), // local devnet
			VerifyingContract: common.Address{}, // zero for off-chain settlement
		},
		API: API{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Node: Node{
			DataDir:      "data",
			LogFile:      "data/node.log",
			AuditLogFile: "data/audit.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if name := os.Getenv("SIGNING_DOMAIN_NAME"); name != "" {
		cfg.Signing.Name = name
	}
	if version := os.Getenv("SIGNING_DOMAIN_VERSION"); version != "" {
		cfg.Signing.Version = version
	}
	if chainID := os.Getenv("CHAIN_ID"); chainID != "" {
		if id, err := strconv.ParseInt(chainID, 10, 64); err == nil {
			cfg.Signing.ChainID = big.NewInt(id)
		}
	}
	if contract := os.Getenv("VERIFYING_CONTRACT"); contract != "" {
		if common.IsHexAddress(contract) {
			cfg.Signing.VerifyingContract = common.HexToAddress(contract)
		}
	}

	if addr := os.Getenv("API_LISTEN_ADDR"); addr != "" {
		cfg.API.ListenAddr = addr
	}

	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Node.DataDir = dir
	}
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		cfg.Node.LogFile = logFile
	}
	if auditFile := os.Getenv("AUDIT_LOG_FILE"); auditFile != "" {
		cfg.Node.AuditLogFile = auditFile
	}

	return cfg
}
