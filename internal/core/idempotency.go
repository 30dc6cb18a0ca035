package core

import "container/list"

// ResponseDeduper implements two-tier deduplication of reconciliation
// response ids: an in-memory LRU for the hot path and a Postgres lookup for
// responses that aged out of the LRU. NATS redelivery and operator retries
// make duplicate responses routine, not exceptional.
type ResponseDeduper struct {
	lru       *responseLRU
	dbChecker DBResponseChecker

	duplicatesLRU int64
	duplicatesDB  int64
	tier2Errors   int64
}

// DBResponseChecker is the persistence-tier dedup lookup.
type DBResponseChecker interface {
	IsDuplicate(responseID string) (bool, error)
}

func NewResponseDeduper(capacity int, dbChecker DBResponseChecker) *ResponseDeduper {
	return &ResponseDeduper{
		lru:       newResponseLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks whether a response id has already been applied.
func (d *ResponseDeduper) IsDuplicate(responseID string) bool {
	if d.lru.Contains(responseID) {
		d.duplicatesLRU++
		return true
	}

	if d.dbChecker != nil {
		isDup, err := d.dbChecker.IsDuplicate(responseID)
		if err != nil {
			// Conservative: a DB hiccup must not block reconciliation; the
			// strict sequence check still rejects true replays of already
			// advanced entries.
			d.tier2Errors++
			return false
		}
		if isDup {
			d.duplicatesDB++
			d.lru.Add(responseID)
			return true
		}
	}

	return false
}

// MarkProcessed records a response id after its result was applied.
func (d *ResponseDeduper) MarkProcessed(responseID string) {
	d.lru.Add(responseID)
}

// Warm preloads recent response ids, avoiding cold DB lookups after restart.
func (d *ResponseDeduper) Warm(ids []string) {
	for _, id := range ids {
		d.lru.Add(id)
	}
}

// Keys returns the ids currently cached (for snapshots).
func (d *ResponseDeduper) Keys() []string {
	return d.lru.Keys()
}

// TierStats reports (lru hits, db hits, db errors).
func (d *ResponseDeduper) TierStats() (int64, int64, int64) {
	return d.duplicatesLRU, d.duplicatesDB, d.tier2Errors
}

// --- LRU ---

// responseLRU is not thread-safe — only accessed from the single-threaded
// engine.
type responseLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newResponseLRU(capacity int) *responseLRU {
	return &responseLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *responseLRU) Contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *responseLRU) Add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}

	l.cache[key] = l.order.PushFront(key)

	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.cache, oldest.Value.(string))
		}
	}
}

func (l *responseLRU) Keys() []string {
	keys := make([]string, 0, l.order.Len())
	for e := l.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}
