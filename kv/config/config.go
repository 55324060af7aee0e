package config

import (
	"fmt"
	"os"
)

// PersistPolicy selects how a backup acknowledges log persistence.
type PersistPolicy string

const (
	PersistSync  PersistPolicy = "sync"
	PersistAsync PersistPolicy = "async"
)

// ReplayPolicy selects how a backup replays shipped log windows.
type ReplayPolicy string

const (
	ReplayNone       ReplayPolicy = "none"
	ReplaySync       ReplayPolicy = "sync"
	ReplayPipelined  ReplayPolicy = "pipelined"
	ReplayBackground ReplayPolicy = "background"
)

// NVRAMDelayType selects how NVRAM persistence latency is emulated.
type NVRAMDelayType string

const (
	DelayClflush NVRAMDelayType = "clflush"
	DelayClwbEmu NVRAMDelayType = "clwb-emu"
)

type Config struct {
	StoreAddr   string
	PrimaryAddr string // backups dial this for the startup handshake and log stream
	LogLevel    string

	LogDir string // Directory holding log segments and markers. Should exist and be writable.

	// SSN layers anti-dependency certification on top of snapshot
	// isolation. Off means plain SI commits.
	SSN bool

	IsBackup      bool
	LogShipByRDMA bool
	PersistPolicy PersistPolicy
	ReplayPolicy  ReplayPolicy

	NVRAMLogBuffer       bool
	PersistNVRAMOnReplay bool
	NVRAMDelayType       NVRAMDelayType
	// Emulated NVRAM latency in nanoseconds per KB for clwb-emu.
	NVRAMDelayNanosPerKB int

	// A shipped window is at most this many log bytes, unless a single
	// transaction's records are larger; also the flush granularity of
	// group commit.
	GroupCommitBytes uint64
	LogSegmentBytes  uint64

	LogRedoPartitions int
	ReplayThreads     int

	EnableChkpt bool
}

func (c *Config) Validate() error {
	if c.GroupCommitBytes == 0 {
		return fmt.Errorf("group commit bytes must be greater than 0")
	}
	if c.LogSegmentBytes < c.GroupCommitBytes {
		return fmt.Errorf("log segment bytes must be at least one group commit window")
	}
	if c.ReplayPolicy != ReplayNone && c.ReplayThreads == 0 {
		return fmt.Errorf("replay threads must be greater than 0 when replay is enabled")
	}
	if c.LogRedoPartitions == 0 {
		return fmt.Errorf("log redo partitions must be greater than 0")
	}
	switch c.PersistPolicy {
	case PersistSync, PersistAsync:
	default:
		return fmt.Errorf("unknown persist policy %q", c.PersistPolicy)
	}
	switch c.ReplayPolicy {
	case ReplayNone, ReplaySync, ReplayPipelined, ReplayBackground:
	default:
		return fmt.Errorf("unknown replay policy %q", c.ReplayPolicy)
	}
	if c.NVRAMLogBuffer && !c.PersistNVRAMOnReplay &&
		c.NVRAMDelayType == DelayClwbEmu && c.NVRAMDelayNanosPerKB <= 0 {
		return fmt.Errorf("nvram delay nanos per KB must be greater than 0 for clwb-emu")
	}
	return nil
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		StoreAddr:      "127.0.0.1:20170",
		PrimaryAddr:    "127.0.0.1:20171",
		LogLevel:       getLogLevel(),
		LogDir:         "/tmp/tinyoltp",
		SSN:            true,
		PersistPolicy:  PersistSync,
		ReplayPolicy:   ReplayPipelined,
		NVRAMDelayType: DelayClwbEmu,
		// Modelled NVRAM write latency, roughly DRAM x5.
		NVRAMDelayNanosPerKB: 1500,
		GroupCommitBytes:     4 * MB,
		LogSegmentBytes:      256 * MB,
		LogRedoPartitions:    16,
		ReplayThreads:        4,
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:             getLogLevel(),
		SSN:                  true,
		PersistPolicy:        PersistSync,
		ReplayPolicy:         ReplaySync,
		NVRAMDelayType:       DelayClwbEmu,
		NVRAMDelayNanosPerKB: 1500,
		GroupCommitBytes:     4 * KB,
		LogSegmentBytes:      64 * KB,
		LogRedoPartitions:    4,
		ReplayThreads:        2,
	}
}
