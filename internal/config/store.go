package config

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/store"
	"github.com/seenimoa/sandbox/pkg/utils"
)

// Runtime config keys.
const (
	KeyStartingCapital    = "starting_capital"
	KeyResetDay           = "reset_day"
	KeyResetTime          = "reset_time"
	KeyOrderCheckInterval = "order_check_interval"
	KeyMTMUpdateInterval  = "mtm_update_interval"

	KeyNSEBSESquareOffTime = "nse_bse_square_off_time"
	KeyCDSBCDSquareOffTime = "cds_bcd_square_off_time"
	KeyMCXSquareOffTime    = "mcx_square_off_time"
	KeyNCDEXSquareOffTime  = "ncdex_square_off_time"

	KeyEquityMISLeverage  = "equity_mis_leverage"
	KeyEquityCNCLeverage  = "equity_cnc_leverage"
	KeyFuturesLeverage    = "futures_leverage"
	KeyOptionBuyLeverage  = "option_buy_leverage"
	KeyOptionSellLeverage = "option_sell_leverage"
)

// defaults seeded into the config table on first boot.
var defaults = map[string]string{
	KeyStartingCapital:    "10000000",
	KeyResetDay:           "Sunday",
	KeyResetTime:          "00:00",
	KeyOrderCheckInterval: "5",
	KeyMTMUpdateInterval:  "5",

	KeyNSEBSESquareOffTime: "15:15",
	KeyCDSBCDSquareOffTime: "16:45",
	KeyMCXSquareOffTime:    "23:30",
	KeyNCDEXSquareOffTime:  "17:00",

	KeyEquityMISLeverage:  "5",
	KeyEquityCNCLeverage:  "1",
	KeyFuturesLeverage:    "10",
	KeyOptionBuyLeverage:  "1",
	KeyOptionSellLeverage: "10",
}

// startingCapitalChoices is the fixed set of permitted capitals.
var startingCapitalChoices = map[string]bool{
	"100000":   true,
	"500000":   true,
	"1000000":  true,
	"2500000":  true,
	"5000000":  true,
	"10000000": true,
}

// Hook receives the key and new value after a successful write.
type Hook func(key, value string)

// Store is the runtime config store. Values are persisted in the config
// table and cached in memory; readers may observe a stale value for one
// tick after a write, which is acceptable because every effect of a
// config write is applied at job boundaries.
type Store struct {
	db  *store.Store
	log *zap.SugaredLogger

	mu     sync.RWMutex
	values map[string]string
	hooks  []Hook
}

// NewStore loads (seeding defaults on first boot) the runtime config.
func NewStore(ctx context.Context, db *store.Store, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{db: db, log: log, values: make(map[string]string)}

	persisted, err := db.AllConfigValues(ctx, db.DB())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for key, def := range defaults {
		value, ok := persisted[key]
		if !ok {
			value = def
			if err := db.SetConfigValue(ctx, db.DB(), key, value); err != nil {
				return nil, fmt.Errorf("seed config %s: %w", key, err)
			}
		}
		s.values[key] = value
	}
	return s, nil
}

// OnChange registers a hook fired after each successful Set.
func (s *Store) OnChange(h Hook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// Get returns the current value of a key ("" for unknown keys).
func (s *Store) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// All returns a copy of the current config map.
func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Decimal returns a key as a decimal, zero on parse failure.
func (s *Store) Decimal(key string) decimal.Decimal {
	d, err := decimal.NewFromString(s.Get(key))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Int returns a key as an integer, zero on parse failure.
func (s *Store) Int(key string) int {
	n, err := strconv.Atoi(s.Get(key))
	if err != nil {
		return 0
	}
	return n
}

// Set validates and persists a config value, then fires hooks. A write
// that fails validation leaves state unchanged.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := validate(key, value); err != nil {
		return err
	}
	if err := s.db.SetConfigValue(ctx, s.db.DB(), key, value); err != nil {
		return fmt.Errorf("persist config %s: %w", key, err)
	}

	s.mu.Lock()
	s.values[key] = value
	hooks := make([]Hook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	s.log.Infow("config updated", "key", key, "value", value)
	for _, h := range hooks {
		h(key, value)
	}
	return nil
}

func validate(key, value string) error {
	switch key {
	case KeyStartingCapital:
		if !startingCapitalChoices[value] {
			return fmt.Errorf("starting_capital must be one of 100000, 500000, 1000000, 2500000, 5000000, 10000000; got %q", value)
		}
	case KeyResetDay:
		if _, err := utils.WeekdayFromName(value); err != nil {
			return err
		}
	case KeyResetTime, KeyNSEBSESquareOffTime, KeyCDSBCDSquareOffTime, KeyMCXSquareOffTime, KeyNCDEXSquareOffTime:
		if _, _, err := utils.ParseHHMM(value); err != nil {
			return err
		}
	case KeyOrderCheckInterval:
		return validateIntRange(key, value, 1, 30)
	case KeyMTMUpdateInterval:
		return validateIntRange(key, value, 0, 60)
	case KeyEquityMISLeverage, KeyEquityCNCLeverage, KeyFuturesLeverage, KeyOptionBuyLeverage, KeyOptionSellLeverage:
		return validateLeverage(key, value)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func validateIntRange(key, value string, lo, hi int) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	if n < lo || n > hi {
		return fmt.Errorf("%s must be between %d and %d seconds; got %d", key, lo, hi, n)
	}
	return nil
}

// validateLeverage enforces the [1, 50] range in steps of 0.1.
func validateLeverage(key, value string) error {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return fmt.Errorf("%s must be a number: %w", key, err)
	}
	one := decimal.NewFromInt(1)
	fifty := decimal.NewFromInt(50)
	if d.LessThan(one) || d.GreaterThan(fifty) {
		return fmt.Errorf("%s must be between 1 and 50; got %s", key, value)
	}
	if !d.Mul(decimal.NewFromInt(10)).IsInteger() {
		return fmt.Errorf("%s must be a multiple of 0.1; got %s", key, value)
	}
	return nil
}
