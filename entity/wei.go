package entity

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// Wei is a big.Int stored as NUMERIC.
type Wei big.Int

func NewWei(v *big.Int) *Wei {
	if v == nil {
		return nil
	}
	return (*Wei)(new(big.Int).Set(v))
}

// Big returns a copy of the amount, nil amounts are zero.
func (w *Wei) Big() *big.Int {
	if w == nil {
		return new(big.Int)
	}
	return new(big.Int).Set((*big.Int)(w))
}

func (w *Wei) String() string {
	return w.Big().String()
}

func (w *Wei) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case int64:
		(*big.Int)(w).SetInt64(v)
		return nil
	default:
		return fmt.Errorf("can't scan %T into Wei", src)
	}
	if _, ok := (*big.Int)(w).SetString(s, 10); !ok {
		return fmt.Errorf("can't parse %q as Wei", s)
	}
	return nil
}

func (w *Wei) Value() (driver.Value, error) {
	if w == nil {
		return nil, nil
	}
	return (*big.Int)(w).String(), nil
}
