package transport

import (
	"errors"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

// Defaults for TransportConfig, spec §3.
const (
	DefaultPriorityLevels            = 16
	MaxPriorityLevels                = 16
	DefaultSinglePacketMTU           = 1398
	DefaultMaxConcurrentMessages     = 16
	MaxConcurrentMessages            = 16
	DefaultTargetResponsivenessMS    = 100
	DefaultBandwidthEstimatorSamples = 100
	DefaultPingIntervalMS            = 15000
	DefaultInitialPingIntervalMS     = 5000
	DefaultMissedPingCount           = 4
	DefaultMaxPercentThroughput      = 75
)

// TransportConfig holds every tunable named in spec §3.
type TransportConfig struct {
	PriorityLevels            int
	SinglePacketMTU           int
	MaxConcurrentMessages     int
	TargetResponsivenessMS    int
	BandwidthEstimatorSamples int
	PingIntervalMS            int
	InitialPingIntervalMS     int
	MissedPingCount           int
	MaxPercentThroughput      int
}

// DefaultConfig returns a TransportConfig populated with spec §3's defaults.
func DefaultConfig() TransportConfig {
	return TransportConfig{
		PriorityLevels:            DefaultPriorityLevels,
		SinglePacketMTU:           DefaultSinglePacketMTU,
		MaxConcurrentMessages:     DefaultMaxConcurrentMessages,
		TargetResponsivenessMS:    DefaultTargetResponsivenessMS,
		BandwidthEstimatorSamples: DefaultBandwidthEstimatorSamples,
		PingIntervalMS:            DefaultPingIntervalMS,
		InitialPingIntervalMS:     DefaultInitialPingIntervalMS,
		MissedPingCount:           DefaultMissedPingCount,
		MaxPercentThroughput:      DefaultMaxPercentThroughput,
	}
}

// Validate checks the bounds spec §3 places on each option.
func (c TransportConfig) Validate() error {
	switch {
	case c.PriorityLevels <= 0 || c.PriorityLevels > MaxPriorityLevels:
		return errors.New("transport: priorityLevels must be in (0, 16]")
	case c.MaxConcurrentMessages <= 0 || c.MaxConcurrentMessages > MaxConcurrentMessages:
		return errors.New("transport: maxConcurrentMessages must be in (0, 16]")
	case c.SinglePacketMTU <= 0:
		return errors.New("transport: singlePacketMtu must be positive")
	case c.TargetResponsivenessMS <= 0:
		return errors.New("transport: targetResponsiveness must be positive")
	case c.BandwidthEstimatorSamples <= 0:
		return errors.New("transport: bandwidthEstimatorSamples must be positive")
	case c.PingIntervalMS <= 0 || c.InitialPingIntervalMS <= 0:
		return errors.New("transport: ping intervals must be positive")
	case c.MissedPingCount <= 0:
		return errors.New("transport: missedPingCount must be positive")
	case c.MaxPercentThroughput < 0 || c.MaxPercentThroughput > 100:
		return errors.New("transport: maxPercentThroughput must be in [0, 100]")
	}
	return nil
}

// Flags defines CLI flags to configure a Connection. Usually these flags
// are set using environment variables or the application's configuration
// file, mirroring the per-subsystem Flags(configFilePath) convention used
// throughout this module's CLI (see cmd/corestream).
func Flags(configFilePath altsrc.StringSourcer) []cli.Flag {
	d := DefaultConfig()
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "priority-levels",
			Usage: "number of priority levels for the send queue (1-16)",
			Value: d.PriorityLevels,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CORESTREAM_PRIORITY_LEVELS"),
				toml.TOML("transport.priority_levels", configFilePath),
			),
			Validator: validateRange(1, MaxPriorityLevels),
		},
		&cli.IntFlag{
			Name:  "single-packet-mtu",
			Usage: "bytes per underlying frame used for budget rounding",
			Value: d.SinglePacketMTU,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CORESTREAM_SINGLE_PACKET_MTU"),
				toml.TOML("transport.single_packet_mtu", configFilePath),
			),
			Validator: validatePositive,
		},
		&cli.IntFlag{
			Name:  "max-concurrent-messages",
			Usage: "maximum in-flight outgoing messages (1-16)",
			Value: d.MaxConcurrentMessages,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CORESTREAM_MAX_CONCURRENT_MESSAGES"),
				toml.TOML("transport.max_concurrent_messages", configFilePath),
			),
			Validator: validateRange(1, MaxConcurrentMessages),
		},
		&cli.IntFlag{
			Name:  "target-responsiveness-ms",
			Usage: "how often the outbound byte budget resets, in milliseconds",
			Value: d.TargetResponsivenessMS,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CORESTREAM_TARGET_RESPONSIVENESS_MS"),
				toml.TOML("transport.target_responsiveness_ms", configFilePath),
			),
			Validator: validatePositive,
		},
		&cli.IntFlag{
			Name:  "bandwidth-estimator-samples",
			Usage: "moving-average window size for bandwidth/RTT estimators",
			Value: d.BandwidthEstimatorSamples,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CORESTREAM_BANDWIDTH_ESTIMATOR_SAMPLES"),
				toml.TOML("transport.bandwidth_estimator_samples", configFilePath),
			),
			Validator: validatePositive,
		},
		&cli.IntFlag{
			Name:  "ping-interval-ms",
			Usage: "steady-state ping interval, in milliseconds",
			Value: d.PingIntervalMS,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CORESTREAM_PING_INTERVAL_MS"),
				toml.TOML("transport.ping_interval_ms", configFilePath),
			),
			Validator: validatePositive,
		},
		&cli.IntFlag{
			Name:  "initial-ping-interval-ms",
			Usage: "ping interval used for the first few pings after connecting",
			Value: d.InitialPingIntervalMS,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CORESTREAM_INITIAL_PING_INTERVAL_MS"),
				toml.TOML("transport.initial_ping_interval_ms", configFilePath),
			),
			Validator: validatePositive,
		},
		&cli.IntFlag{
			Name:  "missed-ping-count",
			Usage: "consecutive missed pongs before the connection is force-closed",
			Value: d.MissedPingCount,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CORESTREAM_MISSED_PING_COUNT"),
				toml.TOML("transport.missed_ping_count", configFilePath),
			),
			Validator: validatePositive,
		},
		&cli.IntFlag{
			Name:  "max-percent-throughput",
			Usage: "percentage of the estimated throughput the send loop is allowed to use",
			Value: d.MaxPercentThroughput,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CORESTREAM_MAX_PERCENT_THROUGHPUT"),
				toml.TOML("transport.max_percent_throughput", configFilePath),
			),
			Validator: validateRange(0, 100),
		},
	}
}

func validatePositive(n int) error {
	if n <= 0 {
		return errors.New("must be positive")
	}
	return nil
}

func validateRange(lo, hi int) func(int) error {
	return func(n int) error {
		if n < lo || n > hi {
			return errors.New("out of range")
		}
		return nil
	}
}

// ConfigFromCommand builds a TransportConfig from a cli.Command populated
// by Flags, for use by cmd/corestream.
func ConfigFromCommand(cmd *cli.Command) TransportConfig {
	return TransportConfig{
		PriorityLevels:            int(cmd.Int("priority-levels")),
		SinglePacketMTU:           int(cmd.Int("single-packet-mtu")),
		MaxConcurrentMessages:     int(cmd.Int("max-concurrent-messages")),
		TargetResponsivenessMS:    int(cmd.Int("target-responsiveness-ms")),
		BandwidthEstimatorSamples: int(cmd.Int("bandwidth-estimator-samples")),
		PingIntervalMS:            int(cmd.Int("ping-interval-ms")),
		InitialPingIntervalMS:     int(cmd.Int("initial-ping-interval-ms")),
		MissedPingCount:           int(cmd.Int("missed-ping-count")),
		MaxPercentThroughput:      int(cmd.Int("max-percent-throughput")),
	}
}
