package util

import (
	"cmp"
	"slices"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

func Assert(cond bool, msg string) {
	ignoreAsserts := viper.GetBool("ignore-asserts")
	if !ignoreAsserts && !cond {
		panic(msg)
	}
}

type KV[K any, V any] struct {
	Key   K
	Value V
}

// OrderedRangeKV returns the entries of m sorted by key.
func OrderedRangeKV[K cmp.Ordered, V any](m map[K]V) []*KV[K, V] {
	keys := make([]K, 0, len(m))
	for key := range m { // nosemgrep: range-over-map
		keys = append(keys, key)
	}
	slices.Sort(keys)

	sorted := make([]*KV[K, V], len(keys))
	for i, key := range keys {
		sorted[i] = &KV[K, V]{Key: key, Value: m[key]}
	}

	return sorted
}

func ParseCron(cronExp string) (cron.Schedule, error) {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(cronExp)
}
