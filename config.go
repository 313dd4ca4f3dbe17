package remus

import (
	"flag"
	"fmt"
)

// Config holds every tunable the original cfg.h exposed as a CLI flag.
// Field names mirror the flag names so ArgMap-style reporting reads the
// same as the flags themselves.
type Config struct {
	NodeID    uint16
	MnPort    int
	FirstMnID uint16
	LastMnID  uint16
	SegSize   uint64 // log2 bytes, e.g. 20 == 1MiB
	SegsPerMN int

	FirstCnID uint16
	LastCnID  uint16

	QpLanes      int
	QpSchedPol   string
	CnThreads    int
	CnThreadBufSz uint64

	AllocPol        string
	CnOpsPerThread  int
	CnWrsPerSeq     int

	Verbose bool
}

// DefaultConfig returns a Config populated with the same defaults cfg.h
// wires in: SEG_SIZE=20, SEGS_PER_MN=2, QP_LANES=2, QP_SCHED_POL=RAND,
// CN_THREAD_BUFSZ=20, ALLOC_POL=GLOBAL-RR, CN_OPS_PER_THREAD=8,
// CN_WRS_PER_SEQ=16.
func DefaultConfig() Config {
	return Config{
		SegSize:        20,
		SegsPerMN:      2,
		QpLanes:        2,
		QpSchedPol:     "RAND",
		CnThreadBufSz:  20,
		AllocPol:       "GLOBAL-RR",
		CnOpsPerThread: 8,
		CnWrsPerSeq:    16,
	}
}

var qpSchedPolOptions = []string{"NONE", "RAND", "RR", "MOD", "ONE_TO_ONE"}
var allocPolOptions = []string{"NONE", "RAND", "GLOBAL-RR", "GLOBAL-MOD", "LOCAL-RR", "LOCAL-MOD"}

func oneOf(v string, options []string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// ParseFlags registers every Config field on fs (stdlib flag.FlagSet, in
// the same spirit as cli.h's ArgMap but built on the standard library
// rather than hand-rolling a second argument parser) and parses args.
// Required flags with no zero-value default (NODE_ID, MN_PORT,
// FIRST_MN_ID, LAST_MN_ID, FIRST_CN_ID, LAST_CN_ID, CN_THREADS) must be
// present or ParseFlags returns an error, matching ArgMap::parse's
// validation of required arguments.
func ParseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := DefaultConfig()

	var nodeID, firstMnID, lastMnID, firstCnID, lastCnID uint

	fs.UintVar(&nodeID, "NODE_ID", 0, "this node's id")
	fs.IntVar(&cfg.MnPort, "MN_PORT", 0, "port memory nodes listen on")
	fs.UintVar(&firstMnID, "FIRST_MN_ID", 0, "lowest memory node id")
	fs.UintVar(&lastMnID, "LAST_MN_ID", 0, "highest memory node id")
	fs.Uint64Var(&cfg.SegSize, "SEG_SIZE", cfg.SegSize, "log2 bytes per segment")
	fs.IntVar(&cfg.SegsPerMN, "SEGS_PER_MN", cfg.SegsPerMN, "segments per memory node")

	fs.UintVar(&firstCnID, "FIRST_CN_ID", 0, "lowest compute node id")
	fs.UintVar(&lastCnID, "LAST_CN_ID", 0, "highest compute node id")

	fs.IntVar(&cfg.QpLanes, "QP_LANES", cfg.QpLanes, "queue pair lanes per connection")
	fs.StringVar(&cfg.QpSchedPol, "QP_SCHED_POL", cfg.QpSchedPol, "lane scheduling policy: NONE, RAND, RR, MOD, ONE_TO_ONE")
	fs.IntVar(&cfg.CnThreads, "CN_THREADS", 0, "compute threads per compute node")
	fs.Uint64Var(&cfg.CnThreadBufSz, "CN_THREAD_BUFSZ", cfg.CnThreadBufSz, "log2 bytes per thread staging buffer")

	fs.StringVar(&cfg.AllocPol, "ALLOC_POL", cfg.AllocPol, "allocation policy: NONE, RAND, GLOBAL-RR, GLOBAL-MOD, LOCAL-RR, LOCAL-MOD")
	fs.IntVar(&cfg.CnOpsPerThread, "CN_OPS_PER_THREAD", cfg.CnOpsPerThread, "outstanding ops per compute thread")
	fs.IntVar(&cfg.CnWrsPerSeq, "CN_WRS_PER_SEQ", cfg.CnWrsPerSeq, "work requests per sequenced group")
	fs.BoolVar(&cfg.Verbose, "v", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	required := map[string]bool{
		"NODE_ID": false, "MN_PORT": false, "FIRST_MN_ID": false, "LAST_MN_ID": false,
		"FIRST_CN_ID": false, "LAST_CN_ID": false, "CN_THREADS": false,
	}
	fs.Visit(func(f *flag.Flag) {
		if _, ok := required[f.Name]; ok {
			required[f.Name] = true
		}
	})
	for name, set := range required {
		if !set {
			return Config{}, StatusErr(ErrBadConfig, "missing required flag -%s", name)
		}
	}

	cfg.NodeID = uint16(nodeID)
	cfg.FirstMnID = uint16(firstMnID)
	cfg.LastMnID = uint16(lastMnID)
	cfg.FirstCnID = uint16(firstCnID)
	cfg.LastCnID = uint16(lastCnID)

	if !oneOf(cfg.QpSchedPol, qpSchedPolOptions) {
		return Config{}, StatusErr(ErrBadConfig, "QP_SCHED_POL must be one of %v", qpSchedPolOptions)
	}
	if !oneOf(cfg.AllocPol, allocPolOptions) {
		return Config{}, StatusErr(ErrBadConfig, "ALLOC_POL must be one of %v", allocPolOptions)
	}
	if cfg.LastMnID < cfg.FirstMnID {
		return Config{}, StatusErr(ErrBadConfig, "LAST_MN_ID must be >= FIRST_MN_ID")
	}
	if cfg.LastCnID < cfg.FirstCnID {
		return Config{}, StatusErr(ErrBadConfig, "LAST_CN_ID must be >= FIRST_CN_ID")
	}

	return cfg, nil
}

// IsMemoryNode reports whether nodeID falls in this config's memory-node
// id range.
func (c Config) IsMemoryNode(nodeID uint16) bool { return nodeID >= c.FirstMnID && nodeID <= c.LastMnID }

// IsComputeNode reports whether nodeID falls in this config's
// compute-node id range.
func (c Config) IsComputeNode(nodeID uint16) bool { return nodeID >= c.FirstCnID && nodeID <= c.LastCnID }

// SegBytes returns the configured per-segment capacity in bytes.
func (c Config) SegBytes() uint64 { return uint64(1) << c.SegSize }

// ThreadBufBytes returns the configured per-thread staging buffer
// capacity in bytes.
func (c Config) ThreadBufBytes() uint64 { return uint64(1) << c.CnThreadBufSz }

// Report prints the resolved configuration, the Go analogue of
// ArgMap::report_config.
func (c Config) Report() string {
	return fmt.Sprintf(
		"NODE_ID=%d MN_PORT=%d FIRST_MN_ID=%d LAST_MN_ID=%d SEG_SIZE=%d SEGS_PER_MN=%d "+
			"FIRST_CN_ID=%d LAST_CN_ID=%d QP_LANES=%d QP_SCHED_POL=%s CN_THREADS=%d "+
			"CN_THREAD_BUFSZ=%d ALLOC_POL=%s CN_OPS_PER_THREAD=%d CN_WRS_PER_SEQ=%d",
		c.NodeID, c.MnPort, c.FirstMnID, c.LastMnID, c.SegSize, c.SegsPerMN,
		c.FirstCnID, c.LastCnID, c.QpLanes, c.QpSchedPol, c.CnThreads,
		c.CnThreadBufSz, c.AllocPol, c.CnOpsPerThread, c.CnWrsPerSeq)
}
