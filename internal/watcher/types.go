package watcher

import (
	"strings"

	"mintsync/internal/jsonrpc"
	"mintsync/internal/subscription"
)

// DefaultBatchSize is the maximum number of filters per subscription
const DefaultBatchSize = 100

// Subscriber is the part of the subscription registry watchers use
type Subscriber interface {
	Subscribe(endpoint string, kind jsonrpc.Kind, filters []string, cb subscription.Callback) (*subscription.Handle, error)
	Unsubscribe(endpoint, subID string) error
}

func key(endpoint, id string) string {
	return endpoint + "::" + id
}

// splitKey reverses key; ids never contain the separator, endpoints may
func splitKey(k string) (endpoint, id string) {
	i := strings.LastIndex(k, "::")
	if i < 0 {
		return "", k
	}
	return k[:i], k[i+2:]
}

func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
