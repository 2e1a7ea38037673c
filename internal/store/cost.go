package store

import (
	"fmt"
	"math/big"
)

// Costs are base-10 integer strings in the smallest credit unit.
// Arithmetic goes through big.Int so balances larger than uint64 do
// not overflow.

// ParseCost validates a cost string and returns its value.
func ParseCost(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid cost %q", s)
	}
	return v, nil
}

// AddCost returns a+b as a cost string.
func AddCost(a, b string) (string, error) {
	av, err := ParseCost(a)
	if err != nil {
		return "", err
	}
	bv, err := ParseCost(b)
	if err != nil {
		return "", err
	}
	return av.Add(av, bv).String(), nil
}

// MulCost returns cost*n as a cost string.
func MulCost(cost string, n int64) (string, error) {
	v, err := ParseCost(cost)
	if err != nil {
		return "", err
	}
	return v.Mul(v, big.NewInt(n)).String(), nil
}
