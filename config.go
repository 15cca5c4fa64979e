package occtrans

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/occfabric/occtrans/internal/constants"
)

// TableSchema declares one table's fixed value-payload size, registered
// at startup; storage nodes for that table carry exactly this many
// value bytes.
type TableSchema struct {
	TableID   uint32 `yaml:"table_id"`
	Name      string `yaml:"name"`
	ValueSize uint32 `yaml:"value_size"`
}

// PeerConfig names one remote peer's endpoint and identity.
type PeerConfig struct {
	PeerID uint64 `yaml:"peer_id"`
	Addr   string `yaml:"addr"`
	// DPU marks a peer as the DPU-side processor of a host/DPU pair,
	// reachable additionally over the comm channel below.
	DPU bool `yaml:"dpu"`
}

// CommChanConfig configures the DPU comm channel device descriptor.
type CommChanConfig struct {
	// LocalAddr stands in for the DOCA device's PCI address of the
	// original; here it is the local unix-domain or TCP endpoint the
	// comm channel listens on.
	LocalAddr  string `yaml:"local_addr"`
	RemoteAddr string `yaml:"remote_addr"`
}

// ClusterConfig is the YAML-decoded ambient configuration a server or
// client binary loads at startup. spec.md §6 treats endpoints and PCI
// addresses as compiled-in constants; DefaultClusterConfig reproduces
// that default, while LoadClusterConfig lets a deployment override it
// without a recompile.
type ClusterConfig struct {
	SelfID      uint64          `yaml:"self_id"`
	ListenAddr  string          `yaml:"listen_addr"`
	Peers       []PeerConfig    `yaml:"peers"`
	Tables      []TableSchema   `yaml:"tables"`
	QueueDepth  int             `yaml:"queue_depth"`
	MaxRoutines int             `yaml:"max_routines"`
	CommChan    *CommChanConfig `yaml:"comm_chan,omitempty"`
	LogLevel    string          `yaml:"log_level"`
}

// DefaultClusterConfig is the single-process, single-table default used
// by the example binaries and the end-to-end tests of spec.md §8.
func DefaultClusterConfig() *ClusterConfig {
	return &ClusterConfig{
		SelfID:      1,
		ListenAddr:  "127.0.0.1:18515",
		Peers:       nil,
		Tables:      []TableSchema{{TableID: 0, Name: "accounts", ValueSize: 64}},
		QueueDepth:  constants.MaxRecv,
		MaxRoutines: 32,
		LogLevel:    "info",
	}
}

// LoadClusterConfig decodes a ClusterConfig from a YAML file, filling
// any zero-valued fields from DefaultClusterConfig.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewError(KindNegotiation, "load_cluster_config", "read config file", err)
	}

	cfg := DefaultClusterConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewError(KindNegotiation, "load_cluster_config", "parse config file", err)
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = constants.MaxRecv
	}
	if cfg.MaxRoutines == 0 {
		cfg.MaxRoutines = 32
	}
	return cfg, nil
}
