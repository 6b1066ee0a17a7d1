package gasprice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/omni/relay-server/config"
	"github.com/omni/relay-server/logging"
)

var ErrInvalidOracleResponse = errors.New("invalid gas price oracle response")

type ChainPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Fetcher asks the configured oracle first and falls back to the node estimate.
type Fetcher struct {
	logger logging.Logger
	cfg    *config.GasPriceOracleConfig
	chain  ChainPricer
	client *http.Client
}

func NewFetcher(logger logging.Logger, cfg *config.GasPriceOracleConfig, chain ChainPricer) *Fetcher {
	f := &Fetcher{
		logger: logger,
		cfg:    cfg,
		chain:  chain,
	}
	if cfg != nil && cfg.URL != "" {
		f.client = &http.Client{Timeout: cfg.Timeout}
	}
	return f
}

func (f *Fetcher) GasPrice(ctx context.Context) (*big.Int, error) {
	if f.client != nil {
		price, err := f.fromOracle(ctx)
		if err == nil {
			return price, nil
		}
		f.logger.WithError(err).WithField("url", f.cfg.URL).Warn("failed to fetch gas price from oracle, falling back to node")
	}
	price, err := f.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't get gas price from node: %w", err)
	}
	return price, nil
}

// fromOracle reads a gwei price at the dotted path of the oracle JSON response.
func (f *Fetcher) fromOracle(ctx context.Context) (*big.Int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("can't create request: %w", err)
	}
	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("can't request gas price oracle: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned status %d: %w", res.StatusCode, ErrInvalidOracleResponse)
	}

	var body interface{}
	if err = json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("can't decode oracle response: %w", err)
	}
	gwei, err := lookupNumber(body, f.cfg.Path)
	if err != nil {
		return nil, err
	}
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9)).Int(nil)
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive gas price %v: %w", gwei, ErrInvalidOracleResponse)
	}
	return wei, nil
}

func lookupNumber(body interface{}, path string) (float64, error) {
	cur := body
	if path != "" {
		for _, key := range strings.Split(path, ".") {
			obj, ok := cur.(map[string]interface{})
			if !ok {
				return 0, fmt.Errorf("path %q is not an object at %q: %w", path, key, ErrInvalidOracleResponse)
			}
			if cur, ok = obj[key]; !ok {
				return 0, fmt.Errorf("path %q is missing key %q: %w", path, key, ErrInvalidOracleResponse)
			}
		}
	}
	switch v := cur.(type) {
	case float64:
		return v, nil
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("can't parse %q: %w", v, ErrInvalidOracleResponse)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected value type %T: %w", cur, ErrInvalidOracleResponse)
	}
}
