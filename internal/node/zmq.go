package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gompsolo/pkg/log"
)

// TopicHashBlock is published by the node for every new best block
const TopicHashBlock = "hashblock"

const pollInterval = 500 * time.Millisecond

// BlockNotifier listens for new-block announcements on a ZMQ SUB socket
type BlockNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewBlockNotifier creates a notifier for endpoint
func NewBlockNotifier(endpoint string, logger *log.Logger) (*BlockNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetRcvtimeo(pollInterval); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}

	return &BlockNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Run subscribes to new blocks and calls onBlock for each one until ctx is
// cancelled
func (n *BlockNotifier) Run(ctx context.Context, onBlock func(blockHash string)) error {
	if err := n.socket.SetSubscribe(TopicHashBlock); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", TopicHashBlock, err)
	}
	if err := n.socket.Connect(n.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", n.endpoint, err)
	}
	n.logger.Info("connected to ZMQ endpoint", "endpoint", n.endpoint, "topic", TopicHashBlock)

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		parts, err := n.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			n.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		hash, ok := parseBlockNotification(parts)
		if !ok {
			n.logger.Warn("received malformed ZMQ message", "parts", len(parts))
			continue
		}
		n.logger.Info("new block notification", "hash", hash)
		onBlock(hash)
	}
}

// Close closes the ZMQ socket
func (n *BlockNotifier) Close() error {
	if n.socket != nil {
		return n.socket.Close()
	}
	return nil
}

// parseBlockNotification extracts the block hash from a [topic, hash, seq]
// message. The hash arrives little-endian and is displayed reversed.
func parseBlockNotification(parts [][]byte) (string, bool) {
	if len(parts) < 2 || string(parts[0]) != TopicHashBlock || len(parts[1]) != 32 {
		return "", false
	}
	reversed := slices.Clone(parts[1])
	slices.Reverse(reversed)
	return hex.EncodeToString(reversed), true
}
