package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultMaxTables       = 5
	defaultReducerCacheTTL = 10 * time.Minute
	defaultReducerCacheCap = 512
)

// ReducerConfig configures the context reducer.
type ReducerConfig struct {
	Logger *slog.Logger

	// Optional with defaults.
	MaxTables int
	CacheTTL  time.Duration
	CacheCap  uint64
}

func (c *ReducerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.MaxTables == 0 {
		c.MaxTables = defaultMaxTables
	}
	if c.MaxTables < 0 {
		return errors.New("max tables must be > 0")
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaultReducerCacheTTL
	}
	if c.CacheCap == 0 {
		c.CacheCap = defaultReducerCacheCap
	}
	return nil
}

// Reducer selects the subset of a catalog relevant to one question, bounding
// the schema context sent to the model. Identical repeated questions hit a
// short-lived memo cache instead of being rescored.
type Reducer struct {
	log  *slog.Logger
	cfg  *ReducerConfig
	memo *ttlcache.Cache[string, *Catalog]
}

func NewReducer(cfg *ReducerConfig) (*Reducer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	memo := ttlcache.New(
		ttlcache.WithTTL[string, *Catalog](cfg.CacheTTL),
		ttlcache.WithCapacity[string, *Catalog](cfg.CacheCap),
	)
	go memo.Start()
	return &Reducer{log: cfg.Logger, cfg: cfg, memo: memo}, nil
}

// Stop shuts down the memo cache's expiry loop.
func (r *Reducer) Stop() {
	r.memo.Stop()
}

// Flush drops all memoized reductions. Callers must flush after a catalog
// swap; the memo is keyed by catalog name and question, so stale entries
// would otherwise keep serving contexts from the replaced catalog until
// they expire.
func (r *Reducer) Flush() {
	r.memo.DeleteAll()
}

// Reduce returns a catalog holding at most MaxTables tables judged relevant
// to the question, plus the relationships whose endpoints both survived.
// A catalog already within the bound is returned as-is.
func (r *Reducer) Reduce(question string, catalog *Catalog) *Catalog {
	if catalog.IsEmpty() {
		return &Catalog{Name: catalog.Name}
	}
	// Small catalogs need no relevance computation at all.
	if len(catalog.Tables) <= r.cfg.MaxTables {
		return catalog
	}

	key := questionFingerprint(catalog.Name, question)
	if item := r.memo.Get(key); item != nil {
		return item.Value()
	}

	reduced := r.reduce(question, catalog)
	r.memo.Set(key, reduced, ttlcache.DefaultTTL)
	return reduced
}

func (r *Reducer) reduce(question string, catalog *Catalog) *Catalog {
	terms := questionTerms(question)

	type scored struct {
		index int
		score int
	}
	scores := make([]scored, len(catalog.Tables))
	for i := range catalog.Tables {
		scores[i] = scored{index: i, score: tableScore(&catalog.Tables[i], terms)}
	}
	// Stable sort keeps declaration order for equal scores, which makes the
	// reduction deterministic.
	sort.SliceStable(scores, func(a, b int) bool {
		return scores[a].score > scores[b].score
	})

	keep := make([]int, 0, r.cfg.MaxTables)
	for _, s := range scores[:r.cfg.MaxTables] {
		if s.score > 0 {
			keep = append(keep, s.index)
		}
	}
	// Nothing matched lexically: fall back to the first tables in
	// declaration order so the synthesizer still has something to work with.
	if len(keep) == 0 {
		for i := 0; i < r.cfg.MaxTables; i++ {
			keep = append(keep, i)
		}
	}
	sort.Ints(keep)

	reduced := &Catalog{Name: catalog.Name}
	kept := make(map[string]struct{}, len(keep))
	for _, i := range keep {
		reduced.Tables = append(reduced.Tables, catalog.Tables[i])
		kept[strings.ToLower(catalog.Tables[i].Name)] = struct{}{}
	}
	for _, rel := range catalog.Relationships {
		_, src := kept[strings.ToLower(rel.SourceTable)]
		_, dst := kept[strings.ToLower(rel.TargetTable)]
		if src && dst {
			reduced.Relationships = append(reduced.Relationships, rel)
		}
	}

	r.log.Debug("schema context reduced",
		"catalog", catalog.Name,
		"from", len(catalog.Tables),
		"to", len(reduced.Tables))
	return reduced
}

// tableScore counts lexical overlap between question terms and the table's
// names, column names, business aliases, and sample values.
func tableScore(t *Table, terms map[string]struct{}) int {
	score := 0
	score += 3 * overlap(t.Name, terms)
	score += 3 * overlap(t.BusinessName, terms)
	for _, col := range t.Columns {
		score += 2 * overlap(col.Name, terms)
		score += overlap(col.BusinessName, terms)
		for _, v := range col.SampleValues {
			score += overlap(v, terms)
		}
	}
	return score
}

// overlap reports how many question terms appear in the identifier,
// matching singular forms so "orders" finds the order_items table.
func overlap(identifier string, terms map[string]struct{}) int {
	if identifier == "" {
		return 0
	}
	n := 0
	for _, word := range splitIdentifier(identifier) {
		if _, ok := terms[word]; ok {
			n++
			continue
		}
		if _, ok := terms[word+"s"]; ok {
			n++
			continue
		}
		if strings.HasSuffix(word, "s") {
			if _, ok := terms[strings.TrimSuffix(word, "s")]; ok {
				n++
			}
		}
	}
	return n
}

func splitIdentifier(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == '_' || r == ' ' || r == '-' || r == '.'
	})
}

// stopWords are question terms too common to signal relevance.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "in": {}, "on": {}, "for": {},
	"by": {}, "to": {}, "is": {}, "are": {}, "was": {}, "what": {},
	"which": {}, "how": {}, "many": {}, "much": {}, "show": {}, "me": {},
	"list": {}, "all": {}, "and": {}, "or": {}, "per": {}, "with": {},
}

func questionTerms(question string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(question)) {
		w = strings.Trim(w, ".,;:?!'\"()")
		if len(w) < 2 {
			continue
		}
		if _, skip := stopWords[w]; skip {
			continue
		}
		terms[w] = struct{}{}
		// Singular form so "orders" matches an "order" column.
		if strings.HasSuffix(w, "s") && len(w) > 3 {
			terms[strings.TrimSuffix(w, "s")] = struct{}{}
		}
	}
	return terms
}

func questionFingerprint(catalog, question string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	sum := sha256.Sum256([]byte(catalog + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}
