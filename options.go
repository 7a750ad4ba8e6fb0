package rkflash

import (
	"log/slog"
	"math"
	"time"
)

// Config holds the tunables of every operation. Zero values are replaced by
// the defaults of defaultConfig.
type Config struct {
	// Logger overrides the package default logger (optional)
	Logger *slog.Logger

	// Progress receives the events of the operation (optional)
	Progress ProgressFunc

	// Enumerator is used to find the device again after it dropped off the
	// bus. Without it a disconnection is fatal.
	Enumerator Enumerator

	// ReconnectTimeout bounds the wait for the device to re-enumerate
	ReconnectTimeout time.Duration

	// ReconnectPoll is the enumeration interval while reconnecting
	ReconnectPoll time.Duration

	// CommandAttempts is the number of attempts per command
	CommandAttempts int

	// CommandDelay is the pause between two attempts of a command
	CommandDelay time.Duration

	// ReadTimeout bounds a single bulk IN transfer
	ReadTimeout time.Duration

	// WriteTimeout bounds a single bulk OUT or control transfer
	WriteTimeout time.Duration

	// ResponseSize is the bulk IN read length for command responses
	ResponseSize int

	// ProbeAttempts and ProbeDelay drive the per-step retry while probing
	// storage
	ProbeAttempts int
	ProbeDelay    time.Duration

	// MinFirstStage and MinSecondStage reject placeholder bootloader blobs
	MinFirstStage  int
	MinSecondStage int

	// LoaderChunkSize and LoaderChunkDelay shape the chunked transmission
	// strategy
	LoaderChunkSize  int
	LoaderChunkDelay time.Duration

	// StrategyTimeout bounds each bootloader transmission strategy
	StrategyTimeout time.Duration

	// SettleDelay is the DRAM bring-up wait after the second stage. Zero
	// selects the chip's own value, a negative value skips the wait.
	SettleDelay time.Duration

	// SettleTick is the progress interval during the settle wait
	SettleTick time.Duration

	// StrictLoaderVerify fails BringToLoader when the device does not answer
	// the responsiveness probe. When false the device is assumed to be in
	// loader mode anyway.
	StrictLoaderVerify bool

	// SPIChunkSize is the SPI NOR program chunk
	SPIChunkSize int

	// SPIWatchdog bounds a whole SPI NOR sequence
	SPIWatchdog time.Duration

	// SPIAckTimeout bounds the optional response read after each SPI chunk
	SPIAckTimeout time.Duration

	// ChipErase erases the whole SPI NOR before programming
	ChipErase bool

	// EraseTimeout bounds the chip erase response. The default is the
	// slowest chip erase time of the supported flash chips.
	EraseTimeout time.Duration

	// EraseHeartbeat is the progress interval while erasing
	EraseHeartbeat time.Duration

	// SPILayout overrides the chip's SPI NOR layout (optional)
	SPILayout *SPILayout

	// ImageChunkSize is the LBA write chunk; must be a multiple of the
	// sector size
	ImageChunkSize int
}

func defaultConfig() Config {
	return Config{
		ReconnectTimeout: 15 * time.Second,
		ReconnectPoll:    500 * time.Millisecond,

		CommandAttempts: 3,
		CommandDelay:    time.Second,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ResponseSize:    64,

		ProbeAttempts: 3,
		ProbeDelay:    200 * time.Millisecond,

		MinFirstStage:    100 << 10,
		MinSecondStage:   200 << 10,
		LoaderChunkSize:  8 << 10,
		LoaderChunkDelay: 2 * time.Millisecond,
		StrategyTimeout:  20 * time.Second,
		SettleTick:       100 * time.Millisecond,

		SPIChunkSize:   4 << 10,
		SPIWatchdog:    10 * time.Minute,
		SPIAckTimeout:  500 * time.Millisecond,
		ChipErase:      true,
		EraseTimeout:   200 * time.Second, // [W25Q128|9.6 tCE]
		EraseHeartbeat: time.Second,

		ImageChunkSize: 64 << 10,
	}
}

func newConfig(opts []Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option is a functional option shared by all operations.
type Option func(*Config)

// WithLogger sets the logger of the operation.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithProgress sets the progress callback of the operation. The callback runs
// on the operation's goroutine and should return quickly; use a Broadcaster
// to hand events to several listeners.
//
// Example:
//
//	err := rkflash.WriteImage(ctx, dev, rkflash.StorageEMMC, img,
//	    rkflash.WithProgress(func(e rkflash.Event) {
//	        fmt.Printf("[%s] %3d%% %s\n", e.Phase, e.Percent, e.Message)
//	    }),
//	)
func WithProgress(fn ProgressFunc) Option {
	return func(c *Config) { c.Progress = fn }
}

// WithReconnect enables reconnection after a disconnection. The enumerator
// is polled until a device of the same chip type shows up again or timeout
// expires.
func WithReconnect(e Enumerator, timeout time.Duration) Option {
	return func(c *Config) {
		c.Enumerator = e
		if timeout > 0 {
			c.ReconnectTimeout = timeout
		}
	}
}

// WithRetries sets the number of attempts per command and the delay between
// attempts.
func WithRetries(attempts int, delay time.Duration) Option {
	return func(c *Config) {
		if attempts > 0 {
			c.CommandAttempts = attempts
		}
		if delay >= 0 {
			c.CommandDelay = delay
		}
	}
}

// WithTimeout sets both the bulk read and write timeouts.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ReadTimeout = d
			c.WriteTimeout = d
		}
	}
}

// WithProbeRetries sets the per-step retry used while probing storage.
func WithProbeRetries(attempts int, delay time.Duration) Option {
	return func(c *Config) {
		if attempts > 0 {
			c.ProbeAttempts = attempts
		}
		if delay >= 0 {
			c.ProbeDelay = delay
		}
	}
}

// WithMinComponentSize overrides the minimum bootloader component sizes.
func WithMinComponentSize(firstStage, secondStage int) Option {
	return func(c *Config) {
		c.MinFirstStage = firstStage
		c.MinSecondStage = secondStage
	}
}

// WithLoaderChunking shapes the chunked bootloader transmission.
func WithLoaderChunking(size int, delay time.Duration) Option {
	return func(c *Config) {
		if size > 0 {
			c.LoaderChunkSize = size
		}
		if delay >= 0 {
			c.LoaderChunkDelay = delay
		}
	}
}

// WithStrategyTimeout bounds each bootloader transmission strategy.
func WithStrategyTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.StrategyTimeout = d
		}
	}
}

// WithSettleDelay overrides the DRAM bring-up wait and its progress tick.
func WithSettleDelay(d, tick time.Duration) Option {
	return func(c *Config) {
		c.SettleDelay = d
		if tick > 0 {
			c.SettleTick = tick
		}
	}
}

// WithStrictLoaderVerify makes a failed loader responsiveness probe fatal.
//
// The default tolerates a silent device: some boards do not answer the probe
// right after DRAM init although the loader runs fine.
func WithStrictLoaderVerify(strict bool) Option {
	return func(c *Config) { c.StrictLoaderVerify = strict }
}

// WithSPIChunkSize sets the payload of one WriteSPIFlash command. The packet
// carries the length in 16 bits, so larger sizes are ignored.
func WithSPIChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= math.MaxUint16 {
			c.SPIChunkSize = size
		}
	}
}

// WithSPIWatchdog bounds a whole SPI NOR sequence.
func WithSPIWatchdog(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.SPIWatchdog = d
		}
	}
}

// WithChipErase enables or disables the full chip erase before programming.
func WithChipErase(erase bool) Option {
	return func(c *Config) { c.ChipErase = erase }
}

// WithErase sets the chip erase timeout and progress heartbeat.
func WithErase(timeout, heartbeat time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.EraseTimeout = timeout
		}
		if heartbeat > 0 {
			c.EraseHeartbeat = heartbeat
		}
	}
}

// WithSPILayout overrides the SPI NOR component offsets.
func WithSPILayout(l SPILayout) Option {
	return func(c *Config) { c.SPILayout = &l }
}

// WithImageChunkSize sets the LBA write chunk. Sizes that are not a positive
// multiple of the sector size, or exceed the 16-bit sector count of a
// WriteLBA packet, are ignored.
func WithImageChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size%SectorSize == 0 && size/SectorSize <= math.MaxUint16 {
			c.ImageChunkSize = size
		}
	}
}
