package pgq

import "sort"

// BuildSpawnPlan decides which queue keys get a worker this dispatch cycle.
// Per-key capacity is min(queued, limit - picked), floored at zero; the plan
// walks keys round-robin in stable order so one deeply-queued key cannot
// starve the others, and stops at min(total capacity, globalCap).
func BuildSpawnPlan(counts map[string]KeyCounts, limit func(string) int, globalCap int) []string {
	if globalCap <= 0 {
		return nil
	}
	keys := make([]string, 0, len(counts))
	capacity := make(map[string]int, len(counts))
	total := 0
	for key, c := range counts {
		room := limit(key) - c.Picked
		if room > c.Queued {
			room = c.Queued
		}
		if room <= 0 {
			continue
		}
		keys = append(keys, key)
		capacity[key] = room
		total += room
	}
	if total == 0 {
		return nil
	}
	if total > globalCap {
		total = globalCap
	}
	sort.Strings(keys)

	plan := make([]string, 0, total)
	for len(plan) < total {
		for _, key := range keys {
			if len(plan) >= total {
				break
			}
			if capacity[key] == 0 {
				continue
			}
			capacity[key]--
			plan = append(plan, key)
		}
	}
	return plan
}
