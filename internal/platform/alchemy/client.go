// Package alchemy wraps the streaming Ethereum RPC endpoint used for
// real-time OrderFilled log subscriptions.
package alchemy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/polymirror/copytrader/internal/domain"
)

// OrderFilledTopic is keccak256 of the OrderFilled event signature on the
// Polymarket exchange contracts.
var OrderFilledTopic = common.HexToHash(
	"0xd0a08e8c493f9c94f29311604c9de1b4e8c8d4c06bd0c789af57f2d65bfec0f6",
)

// Client is one WebSocket RPC connection. It lives for exactly one
// connect-subscribe-consume cycle; the ingest supervisor dials a fresh
// Client on every reconnect.
type Client struct {
	eth *ethclient.Client
}

// Dial connects to the streaming RPC endpoint. The context bounds the
// handshake only.
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("alchemy: dial: %w", wrapRateLimit(err))
	}
	return &Client{eth: eth}, nil
}

// SubscribeOrderFilled opens two log subscriptions for the given wallet
// set - one anchored on the maker topic slot, one on the taker slot - and
// merges both into ch. Filtering on both slots server-side keeps the
// stream to fills that involve a tracked wallet.
func (c *Client) SubscribeOrderFilled(
	ctx context.Context,
	exchanges []common.Address,
	wallets []common.Hash,
	ch chan<- types.Log,
) ([]ethereum.Subscription, error) {
	makerQuery := ethereum.FilterQuery{
		Addresses: exchanges,
		Topics:    [][]common.Hash{{OrderFilledTopic}, nil, wallets},
	}
	takerQuery := ethereum.FilterQuery{
		Addresses: exchanges,
		Topics:    [][]common.Hash{{OrderFilledTopic}, nil, nil, wallets},
	}

	makerSub, err := c.eth.SubscribeFilterLogs(ctx, makerQuery, ch)
	if err != nil {
		return nil, fmt.Errorf("alchemy: subscribe maker filter: %w", wrapRateLimit(err))
	}
	takerSub, err := c.eth.SubscribeFilterLogs(ctx, takerQuery, ch)
	if err != nil {
		makerSub.Unsubscribe()
		return nil, fmt.Errorf("alchemy: subscribe taker filter: %w", wrapRateLimit(err))
	}
	return []ethereum.Subscription{makerSub, takerSub}, nil
}

// BlockNumber returns the current head block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("alchemy: block number: %w", wrapRateLimit(err))
	}
	return n, nil
}

// Close tears the connection down.
func (c *Client) Close() {
	c.eth.Close()
}

// WalletTopic left-pads a 20-byte address into the 32-byte topic form used
// by indexed address parameters.
func WalletTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// alchemyCapacityCode is the provider's JSON-RPC error code for exceeding
// the compute-unit budget, equivalent to an HTTP 429.
const alchemyCapacityCode = -32029

// wrapRateLimit attaches domain.ErrRateLimited to provider throttling
// errors so callers branch on the sentinel, not on message text.
func wrapRateLimit(err error) error {
	if err == nil || errors.Is(err, domain.ErrRateLimited) {
		return err
	}
	if isRateLimited(err) {
		return fmt.Errorf("%w: %w", domain.ErrRateLimited, err)
	}
	return err
}

func isRateLimited(err error) bool {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		return code == alchemyCapacityCode || code == http.StatusTooManyRequests
	}
	// Dial failures surface the handshake status only in the message.
	return strings.Contains(err.Error(), "429")
}
