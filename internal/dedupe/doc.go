// Package dedupe guards webhook processing against provider redeliveries.
// Cache keeps claimed message ids in memory; RedisGuard shares them between replicas.
package dedupe
