// Package feed turns provider-native market data into normalized PriceUpdate
// values and arbitrates between providers.
//
// Each Feed owns one provider: its upstream connections, its wire parsing,
// and its handler set. The Manager composes feeds, tracks per-symbol
// freshness, and fails over from a stale primary to the first fresh fallback,
// reverting automatically once the primary resumes publishing.
package feed
