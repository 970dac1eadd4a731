package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Venue struct {
	// Authority is bootstrapped as the venue authority on first start.
	// Zero means the venue must be initialized by a signed init_venue command.
	Authority      common.Address
	MakerRebateBps uint16
	TakerFeeBps    uint16
	ReferralBps    uint16
	OrderSlots     int
	MaxRetries     int
	ChainID        *big.Int // EIP-712 domain chain id
}

type Liquidity struct {
	ScoringInterval time.Duration // 0 disables the scoring loop
	TimeUnit        time.Duration // resting time worth ledger.PointsPerUnit score
	VolumeWeightBps uint64
	PoolPerEpoch    uint64 // distributed after each scoring run, 0 = manual
}

type Storage struct {
	PebblePath string
	CacheSize  int
	PayoutPath string // withdrawal journal
}

type API struct {
	Addr           string
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
}

type Log struct {
	Level string
	File  string // empty = stdout only
}

type Config struct {
	Venue     Venue
	Liquidity Liquidity
	Storage   Storage
	API       API
	Log       Log
}

func Default() Config {
	return Config{
		Venue: Venue{
			MakerRebateBps: 2,
			TakerFeeBps:    5,
			ReferralBps:    1,
			OrderSlots:     5,
			MaxRetries:     8,
			ChainID:        big.NewInt(1337),
		},
		Liquidity: Liquidity{
			ScoringInterval: time.Minute,
			TimeUnit:        time.Minute,
			VolumeWeightBps: 1,
		},
		Storage: Storage{
			PebblePath: "data/ledger",
			CacheSize:  4096,
			PayoutPath: "data/payouts.jsonl",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			RateLimit:      200,
			RateBurst:      400,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	var errs []string
	fail := func(key string, err error) {
		errs = append(errs, fmt.Sprintf("%s: %v", key, err))
	}

	if v := os.Getenv("VENUE_AUTHORITY"); v != "" {
		if !common.IsHexAddress(v) {
			fail("VENUE_AUTHORITY", fmt.Errorf("not a hex address"))
		} else {
			cfg.Venue.Authority = common.HexToAddress(v)
		}
	}
	for key, dst := range map[string]*uint16{
		"MAKER_REBATE_BPS": &cfg.Venue.MakerRebateBps,
		"TAKER_FEE_BPS":    &cfg.Venue.TakerFeeBps,
		"REFERRAL_BPS":     &cfg.Venue.ReferralBps,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				fail(key, err)
				continue
			}
			*dst = uint16(n)
		}
	}
	for key, dst := range map[string]*int{
		"ORDER_SLOTS":        &cfg.Venue.OrderSlots,
		"LEDGER_MAX_RETRIES": &cfg.Venue.MaxRetries,
		"PEBBLE_CACHE_SIZE":  &cfg.Storage.CacheSize,
		"API_RATE_BURST":     &cfg.API.RateBurst,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				continue
			}
			*dst = n
		}
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, ok := new(big.Int).SetString(v, 10)
		if !ok {
			fail("CHAIN_ID", fmt.Errorf("invalid integer %q", v))
		} else {
			cfg.Venue.ChainID = id
		}
	}

	for key, dst := range map[string]*time.Duration{
		"SCORING_INTERVAL_SEC": &cfg.Liquidity.ScoringInterval,
		"LIQ_TIME_UNIT_SEC":    &cfg.Liquidity.TimeUnit,
	} {
		if v := os.Getenv(key); v != "" {
			sec, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				continue
			}
			*dst = time.Duration(sec) * time.Second
		}
	}
	for key, dst := range map[string]*uint64{
		"LIQ_VOLUME_WEIGHT_BPS": &cfg.Liquidity.VolumeWeightBps,
		"LIQ_POOL_PER_EPOCH":    &cfg.Liquidity.PoolPerEpoch,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				fail(key, err)
				continue
			}
			*dst = n
		}
	}

	cfg.Storage.PebblePath = getEnv("PEBBLE_PATH", cfg.Storage.PebblePath)
	cfg.Storage.PayoutPath = getEnv("PAYOUT_JOURNAL", cfg.Storage.PayoutPath)
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("API_CORS_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("API_RATE_LIMIT"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fail("API_RATE_LIMIT", err)
		} else {
			cfg.API.RateLimit = r
		}
	}
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	if cfg.Liquidity.TimeUnit <= 0 {
		fail("LIQ_TIME_UNIT_SEC", fmt.Errorf("must be positive"))
	} else if iv := cfg.Liquidity.ScoringInterval; iv > 0 && iv < cfg.Liquidity.TimeUnit {
		fail("SCORING_INTERVAL_SEC", fmt.Errorf("%v is shorter than the %v score time unit", iv, cfg.Liquidity.TimeUnit))
	}

	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
