package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"go.uber.org/zap"
)

// DefaultMinorPerMajor is the lovelace-per-ADA factor.
const DefaultMinorPerMajor int64 = 1_000_000

const BPSDenominator = 10_000

// Detected units
const (
	UnitMinor = "minor"
	UnitMajor = "major"
)

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidFeeRate = errors.New("invalid fee rate")
)

var unitAliases = map[string]string{
	"minor":    UnitMinor,
	"lovelace": UnitMinor,
	"nano":     UnitMinor,
	"nanoton":  UnitMinor,
	"major":    UnitMajor,
	"ada":      UnitMajor,
	"ton":      UnitMajor,
}

type Result struct {
	Minor int64  `json:"minor"`
	Unit  string `json:"unit"`
	Raw   string `json:"raw"`
	Hint  string `json:"hint,omitempty"`
}

// Normalizer converts caller-supplied amounts into minor units.
type Normalizer struct {
	factor int64
	log    *zap.Logger
}

func NewNormalizer(factor int64, log *zap.Logger) *Normalizer {
	if factor <= 0 {
		factor = DefaultMinorPerMajor
	}
	return &Normalizer{factor: factor, log: log}
}

func (n *Normalizer) Factor() int64 {
	return n.factor
}

// Normalize resolves raw into minor units. Without a hint an integer at or above
// the factor is taken as minor units already; anything else is multiplied by the
// factor and rounded half away from zero.
func (n *Normalizer) Normalize(raw, hint string) (Result, error) {
	res := Result{Raw: strings.TrimSpace(raw), Hint: strings.ToLower(strings.TrimSpace(hint))}

	value, err := parseDecimal(res.Raw)
	if err != nil {
		return res, err
	}

	factor := new(big.Rat).SetInt64(n.factor)
	switch res.Hint {
	case "":
		if value.IsInt() && value.Cmp(factor) >= 0 {
			res.Unit = UnitMinor
		} else {
			res.Unit = UnitMajor
		}
	default:
		unit, ok := unitAliases[res.Hint]
		if !ok {
			return res, fmt.Errorf("%w: unknown unit %q", ErrInvalidAmount, hint)
		}
		res.Unit = unit
	}

	var minor *big.Int
	if res.Unit == UnitMinor {
		if !value.IsInt() {
			return res, fmt.Errorf("%w: minor-unit amount %s must be an integer", ErrInvalidAmount, res.Raw)
		}
		minor = new(big.Int).Set(value.Num())
	} else {
		minor = roundHalfAwayFromZero(new(big.Rat).Mul(value, factor))
	}

	if !minor.IsInt64() {
		return res, fmt.Errorf("%w: %s overflows", ErrInvalidAmount, res.Raw)
	}
	if minor.Sign() <= 0 {
		return res, fmt.Errorf("%w: %s rounds to zero", ErrInvalidAmount, res.Raw)
	}
	res.Minor = minor.Int64()

	if n.log != nil {
		n.log.Info("amount normalized",
			zap.String("raw", res.Raw),
			zap.String("hint", res.Hint),
			zap.String("detected_unit", res.Unit),
			zap.Int64("minor", res.Minor),
			zap.Int64("factor", n.factor),
		)
	}
	return res, nil
}

func parseDecimal(s string) (*big.Rat, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	// big.Rat also accepts fractions like "1/3"
	if strings.ContainsAny(s, "/") {
		return nil, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, s)
	}
	v, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, s)
	}
	return v, nil
}

func roundHalfAwayFromZero(r *big.Rat) *big.Int {
	q, m := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	// |2m| >= denom rounds up in magnitude
	m.Abs(m).Lsh(m, 1)
	if m.Cmp(r.Denom()) >= 0 {
		if r.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

// Split divides amount into the platform fee and the payee's share.
// The fee is floored so any remainder stays with the payee.
func Split(amount int64, feeRateBPS int) (fee, payout int64, err error) {
	if amount < 0 {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if feeRateBPS < 0 || feeRateBPS > BPSDenominator {
		return 0, 0, fmt.Errorf("%w: %d bps", ErrInvalidFeeRate, feeRateBPS)
	}
	f := new(big.Int).Mul(big.NewInt(amount), big.NewInt(int64(feeRateBPS)))
	f.Quo(f, big.NewInt(BPSDenominator))
	fee = f.Int64()
	return fee, amount - fee, nil
}
