// Package fixedpoint is the deterministic integer math kernel for the market
// engine. Every value that affects money is an int64 in micros (1 unit =
// 1e-6), and every function here is exact integer arithmetic — float64 never
// appears on any code path that touches a balance.
//
// Exp and Ln are fixed-point approximations computed on a 1e-12 internal
// scale with math/big intermediates, so the micros results carry a relative
// error well under 1e-6 across the supported domain. Out-of-domain inputs
// return an explicit error instead of saturating; callers treat that as a
// fatal configuration problem (the liquidity parameter or trade size is out
// of supported range).
package fixedpoint

import (
	"errors"
	"math/big"
)

// Scale is the fixed-point denominator: 1 credit or share = Scale micros.
const Scale int64 = 1_000_000

// internalScale is the working precision for the transcendental series.
const internalScale int64 = 1_000_000_000_000 // 1e12

// microsPerInternal converts internal units to micros (1e12 / 1e6).
const microsPerInternal int64 = internalScale / Scale

// ln2Internal is ln(2) on the internal scale, rounded to nearest.
const ln2Internal int64 = 693_147_180_560

var (
	// ErrOverflow is returned when a result does not fit in int64 micros.
	ErrOverflow = errors.New("fixedpoint: numeric overflow")

	// ErrDomain is returned for inputs outside a function's domain.
	ErrDomain = errors.New("fixedpoint: argument outside domain")
)

// expMaxMicros bounds Exp input: e^29 micros still fits int64 with headroom.
const expMaxMicros = 29 * Scale

// expUnderflowMicros: below this, e^x is under half a micro and rounds to 0.
const expUnderflowMicros = -15 * Scale

var (
	bigInternal      = big.NewInt(internalScale)
	bigMicrosPerInt  = big.NewInt(microsPerInternal)
	bigTwoInternal   = new(big.Int).Lsh(big.NewInt(internalScale), 1)
	bigHalfMicroUnit = big.NewInt(microsPerInternal / 2)
)

// MulDiv computes a*b/c with a 128-bit-wide intermediate, truncating toward
// zero. It fails with ErrDomain when c == 0 and ErrOverflow when the result
// does not fit in int64.
func MulDiv(a, b, c int64) (int64, error) {
	if c == 0 {
		return 0, ErrDomain
	}
	p := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	p.Quo(p, big.NewInt(c))
	if !p.IsInt64() {
		return 0, ErrOverflow
	}
	return p.Int64(), nil
}

// Exp returns e^(x/Scale) in micros, rounded to nearest.
//
// Argument reduction writes x = n*ln2 + r with r in [0, ln2); e^r is summed
// as a Taylor series on the internal scale, then shifted by n. Inputs above
// 29 units overflow int64 micros and return ErrOverflow; inputs below -15
// units round to 0.
func Exp(x int64) (int64, error) {
	if x > expMaxMicros {
		return 0, ErrOverflow
	}
	if x <= expUnderflowMicros {
		return 0, nil
	}

	// Promote to internal scale; |x| <= 29e6 so this cannot overflow.
	xi := x * microsPerInternal

	// n = floor(xi / ln2), r = xi - n*ln2 in [0, ln2).
	n := xi / ln2Internal
	if xi < 0 && xi%ln2Internal != 0 {
		n--
	}
	r := xi - n*ln2Internal

	// Taylor series for e^r: term_k = r^k / k!.
	sum := new(big.Int).Set(bigInternal)
	term := new(big.Int).Set(bigInternal)
	bigR := big.NewInt(r)
	for k := int64(1); term.Sign() != 0; k++ {
		term.Mul(term, bigR)
		term.Quo(term, bigInternal)
		term.Quo(term, big.NewInt(k))
		sum.Add(sum, term)
		if k > 64 {
			break
		}
	}

	// Apply 2^n.
	if n >= 0 {
		sum.Lsh(sum, uint(n))
	} else {
		sum.Rsh(sum, uint(-n))
	}

	// Internal -> micros, round to nearest.
	sum.Add(sum, bigHalfMicroUnit)
	sum.Quo(sum, bigMicrosPerInt)
	if !sum.IsInt64() {
		return 0, ErrOverflow
	}
	return sum.Int64(), nil
}

// Ln returns ln(x/Scale) in micros, rounded to nearest. x must be positive.
//
// The argument is normalized to m in [1, 2) by powers of two, then ln(m) is
// computed with the atanh series ln(m) = 2*(z + z^3/3 + z^5/5 + ...) where
// z = (m-1)/(m+1), which converges in a handful of terms on that interval.
func Ln(x int64) (int64, error) {
	if x <= 0 {
		return 0, ErrDomain
	}

	// Promote to internal scale as a big.Int (x*1e6 may exceed int64).
	m := new(big.Int).Mul(big.NewInt(x), bigMicrosPerInt)

	// Normalize m into [1, 2) internal, tracking the power of two.
	var k int64
	for m.Cmp(bigTwoInternal) >= 0 {
		m.Rsh(m, 1)
		k++
	}
	for m.Cmp(bigInternal) < 0 {
		m.Lsh(m, 1)
		k--
	}

	// z = (m - 1) / (m + 1) on the internal scale.
	num := new(big.Int).Sub(m, bigInternal)
	den := new(big.Int).Add(m, bigInternal)
	z := num.Mul(num, bigInternal)
	z.Quo(z, den)

	// atanh series: sum = z + z^3/3 + z^5/5 + ...
	zsq := new(big.Int).Mul(z, z)
	zsq.Quo(zsq, bigInternal)
	sum := new(big.Int).Set(z)
	term := new(big.Int).Set(z)
	for n := int64(3); ; n += 2 {
		term.Mul(term, zsq)
		term.Quo(term, bigInternal)
		if term.Sign() == 0 {
			break
		}
		contrib := new(big.Int).Quo(term, big.NewInt(n))
		if contrib.Sign() == 0 {
			break
		}
		sum.Add(sum, contrib)
		if n > 127 {
			break
		}
	}

	// ln(x) = k*ln2 + 2*atanh(z), internal scale.
	res := new(big.Int).Mul(big.NewInt(k), big.NewInt(ln2Internal))
	res.Add(res, sum.Lsh(sum, 1))

	return roundInternalToMicros(res)
}

// roundInternalToMicros converts an internal-scale value to micros, rounding
// to nearest with ties away from zero.
func roundInternalToMicros(v *big.Int) (int64, error) {
	half := new(big.Int).Set(bigHalfMicroUnit)
	if v.Sign() < 0 {
		half.Neg(half)
	}
	r := new(big.Int).Add(v, half)
	r.Quo(r, bigMicrosPerInt)
	if !r.IsInt64() {
		return 0, ErrOverflow
	}
	return r.Int64(), nil
}
