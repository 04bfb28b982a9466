package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// PreflightTopics lists the broker topics matching pattern, for operator
// visibility at startup. An empty result is not an error: the CDC
// connector may not have created its topics yet.
func PreflightTopics(ctx context.Context, brokers []string, pattern string, logger *slog.Logger) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("topic pattern %q: %w", pattern, err)
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("admin client: %w", err)
	}
	defer client.Close()

	admin := kadm.NewClient(client)
	topics, err := admin.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}

	var matched []string
	for name := range topics {
		if re.MatchString(name) {
			matched = append(matched, name)
		}
	}
	sort.Strings(matched)

	if logger != nil {
		logger.Info("topic preflight", "pattern", pattern, "matched", matched)
	}
	return matched, nil
}
