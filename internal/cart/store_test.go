package cart

import (
	"math/rand/v2"
	"strconv"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func product(id string, price int64) Product {
	return Product{ID: id, Title: "item " + id, Price: decimal.NewFromInt(price)}
}

func ids(items []LineItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// assertInvariants checks the derived aggregates and structural rules
// against the current items.
func assertInvariants(t *testing.T, s *Store) {
	t.Helper()
	items := s.Items()

	seen := make(map[string]bool, len(items))
	wantCount := 0
	wantTotal := decimal.Zero
	for _, it := range items {
		assert.GreaterOrEqual(t, it.Quantity, 1, "item %s has quantity below 1", it.ID)
		assert.False(t, seen[it.ID], "duplicate id %s", it.ID)
		seen[it.ID] = true
		wantCount += it.Quantity
		wantTotal = wantTotal.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	assert.Equal(t, wantCount, s.Count())
	assert.True(t, wantTotal.Equal(s.Total()), "total = %s, want %s", s.Total(), wantTotal)

	snap := s.Snapshot()
	assert.Equal(t, wantCount, snap.Count)
	assert.True(t, wantTotal.Equal(snap.Total))
}

// ============================================================================
// Scenarios
// ============================================================================

func TestScenarios_AddMergeSetQuantityToZero(t *testing.T) {
	s := NewStore()

	// A: first add.
	s.AddItem(product("1", 100))
	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "1", items[0].ID)
	assert.True(t, decimal.NewFromInt(100).Equal(items[0].Price))
	assert.Equal(t, 1, items[0].Quantity)
	assert.Equal(t, 1, s.Count())
	assert.Equal(t, "100", s.Total().String())

	// B: same product again merges.
	s.AddItem(product("1", 100))
	items = s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, 2, s.Count())
	assert.Equal(t, "200", s.Total().String())

	// C: absolute set back to one.
	s.SetQuantity("1", 1)
	items = s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Quantity)
	assert.Equal(t, "100", s.Total().String())

	// D: zero removes.
	s.SetQuantity("1", 0)
	assert.Empty(t, s.Items())
	assert.Equal(t, 0, s.Count())
	assert.True(t, s.Total().IsZero())
}

func TestScenario_RemoveOneOfTwo(t *testing.T) {
	s := NewStore()
	s.AddItem(product("1", 50))
	s.AddItem(product("2", 30))
	s.RemoveItem("1")

	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "2", items[0].ID)
	assert.True(t, decimal.NewFromInt(30).Equal(items[0].Price))
	assert.Equal(t, 1, items[0].Quantity)
	assert.Equal(t, "30", s.Total().String())
}

// ============================================================================
// Properties
// ============================================================================

func TestRemoveItem_Idempotent(t *testing.T) {
	s := NewStore()
	s.AddItem(product("a", 10))
	s.AddItem(product("b", 20))
	s.AddItem(product("b", 20))

	s.RemoveItem("a")
	once := s.Items()
	s.RemoveItem("a")
	assert.Equal(t, once, s.Items())

	// Absent id is a no-op too.
	s.RemoveItem("zzz")
	s.RemoveItem("zzz")
	assert.Equal(t, once, s.Items())
}

func TestAddItem_MergesWithoutNewLine(t *testing.T) {
	s := NewStore()
	s.AddItem(product("x", 5))
	s.AddItem(product("y", 7))
	s.SetQuantity("x", 4)

	s.AddItem(product("x", 5))

	items := s.Items()
	assert.Len(t, items, 2)
	assert.Equal(t, []string{"x", "y"}, ids(items))
	assert.Equal(t, 5, items[0].Quantity)
}

func TestAddItem_MergeKeepsFirstCapturedFields(t *testing.T) {
	s := NewStore()
	s.AddItem(Product{
		ID:         "1",
		Title:      "Original",
		Price:      decimal.NewFromInt(100),
		Attributes: map[string]any{"img": "/uploads/a.png", "color": "red"},
	})
	s.AddItem(Product{
		ID:         "1",
		Title:      "Renamed",
		Price:      decimal.NewFromInt(999),
		Attributes: map[string]any{"img": "/uploads/b.png"},
	})

	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "Original", items[0].Title)
	assert.Equal(t, "100", items[0].Price.String())
	assert.Equal(t, "/uploads/a.png", items[0].Attr("img"))
	assert.Equal(t, "red", items[0].Attr("color"))
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, "200", s.Total().String())
}

func TestAddItemWithin_RefusesBeyondLimits(t *testing.T) {
	s := NewStore()
	l := Limits{MaxQuantity: 2, MaxItems: 1}

	require.NoError(t, s.AddItemWithin(product("1", 10), l))
	require.NoError(t, s.AddItemWithin(product("1", 10), l))
	rev := s.Snapshot().Revision

	assert.ErrorIs(t, s.AddItemWithin(product("1", 10), l), ErrQuantityLimit)
	assert.ErrorIs(t, s.AddItemWithin(product("2", 10), l), ErrItemLimit)

	snap := s.Snapshot()
	assert.Equal(t, rev, snap.Revision)
	assert.Equal(t, []string{"1"}, ids(snap.Items))
	assert.Equal(t, 2, snap.Count)
}

func TestAddItemWithin_ConcurrentAddsStayWithinItemLimit(t *testing.T) {
	s := NewStore()
	l := Limits{MaxItems: 5}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.AddItemWithin(product(strconv.Itoa(i), 1), l)
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.Items(), 5)
	assertInvariants(t, s)
}

func TestSetQuantity_FloorRemoves(t *testing.T) {
	for _, n := range []int{0, -1, -5, -1 << 30} {
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			s := NewStore()
			s.AddItem(product("1", 10))
			s.AddItem(product("2", 10))

			s.SetQuantity("1", n)

			assert.Equal(t, []string{"2"}, ids(s.Items()))
			assertInvariants(t, s)
		})
	}
}

func TestSetQuantity_AbsentIsNoop(t *testing.T) {
	s := NewStore()
	s.AddItem(product("1", 10))

	s.SetQuantity("missing", 3)
	s.SetQuantity("missing", 0)

	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Quantity)
}

func TestSetQuantity_IsAbsolute(t *testing.T) {
	s := NewStore()
	s.AddItem(product("1", 10))

	s.SetQuantity("1", 7)
	assert.Equal(t, 7, s.Count())

	// Increment and decrement are expressed as current ± 1.
	s.SetQuantity("1", s.Count()+1)
	assert.Equal(t, 8, s.Count())
	s.SetQuantity("1", s.Count()-1)
	assert.Equal(t, 7, s.Count())
}

func TestRemoveThenReAdd_AppendsAtEnd(t *testing.T) {
	s := NewStore()
	s.AddItem(product("1", 1))
	s.AddItem(product("2", 2))
	s.AddItem(product("3", 3))

	s.RemoveItem("1")
	s.AddItem(product("1", 1))

	assert.Equal(t, []string{"2", "3", "1"}, ids(s.Items()))
	assert.Equal(t, 1, s.Items()[2].Quantity)
}

func TestClear_ResetsEverything(t *testing.T) {
	s := NewStore()
	s.AddItem(product("1", 10))
	s.AddItem(product("2", 25))
	s.SetQuantity("2", 4)

	s.Clear()

	assert.Empty(t, s.Items())
	assert.Equal(t, 0, s.Count())
	assert.True(t, s.Total().IsZero())

	// Clearing an empty cart is fine.
	s.Clear()
	assert.Empty(t, s.Items())
}

func TestTotal_DecimalPrices(t *testing.T) {
	s := NewStore()
	s.AddItem(Product{ID: "a", Price: decimal.RequireFromString("0.10")})
	s.AddItem(Product{ID: "b", Price: decimal.RequireFromString("0.20")})
	s.SetQuantity("a", 3)

	// 0.30 + 0.20 with no float drift.
	assert.True(t, decimal.RequireFromString("0.50").Equal(s.Total()), s.Total().String())
}

func TestRandomOperations_PreserveInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	s := NewStore()

	for step := 0; step < 2000; step++ {
		id := strconv.Itoa(rng.IntN(8))
		switch rng.IntN(10) {
		case 0, 1, 2, 3:
			s.AddItem(Product{ID: id, Price: decimal.New(rng.Int64N(10_000), -2)})
		case 4, 5:
			s.RemoveItem(id)
		case 6, 7, 8:
			s.SetQuantity(id, rng.IntN(12)-3)
		case 9:
			if rng.IntN(5) == 0 {
				s.Clear()
			}
		}
		assertInvariants(t, s)
		if t.Failed() {
			t.Fatalf("invariant broken at step %d", step)
		}
	}
}

// ============================================================================
// Snapshots
// ============================================================================

func TestSnapshot_IsImmutable(t *testing.T) {
	s := NewStore()
	s.AddItem(Product{
		ID:    "1",
		Price: decimal.NewFromInt(10),
		Attributes: map[string]any{
			"img":  "/uploads/a.png",
			"tags": []any{"new"},
			"dims": map[string]any{"w": "10"},
		},
	})

	snap := s.Snapshot()

	s.SetQuantity("1", 5)
	s.AddItem(product("2", 1))

	require.Len(t, snap.Items, 1)
	assert.Equal(t, 1, snap.Items[0].Quantity)
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, "10", snap.Total.String())

	// Scribbling on a snapshot does not reach the store.
	snap.Items[0].Attributes["img"] = "changed"
	snap.Items[0].Attributes["tags"].([]any)[0] = "changed"
	snap.Items[0].Attributes["dims"].(map[string]any)["w"] = "changed"
	snap.Items[0].Quantity = 99

	live := s.Items()[0]
	assert.Equal(t, "/uploads/a.png", live.Attr("img"))
	assert.Equal(t, "new", live.Attributes["tags"].([]any)[0])
	assert.Equal(t, "10", live.Attributes["dims"].(map[string]any)["w"])
	assert.Equal(t, 5, live.Quantity)
}

func TestAddItem_CallerMapDoesNotAliasStore(t *testing.T) {
	attrs := map[string]any{"img": "/uploads/a.png"}
	s := NewStore()
	s.AddItem(Product{ID: "1", Price: decimal.NewFromInt(1), Attributes: attrs})

	attrs["img"] = "mutated"

	assert.Equal(t, "/uploads/a.png", s.Items()[0].Attr("img"))
}

func TestSnapshot_RevisionAdvancesOnChangeOnly(t *testing.T) {
	s := NewStore()
	assert.Equal(t, uint64(0), s.Snapshot().Revision)

	s.AddItem(product("1", 1))
	assert.Equal(t, uint64(1), s.Snapshot().Revision)

	s.RemoveItem("nope")
	s.SetQuantity("nope", 2)
	s.SetQuantity("1", 1)
	assert.Equal(t, uint64(1), s.Snapshot().Revision)

	s.Clear()
	s.Clear()
	assert.Equal(t, uint64(2), s.Snapshot().Revision)
	assert.True(t, s.Snapshot().Empty())
}

// ============================================================================
// Observers
// ============================================================================

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func TestSubscribe_ReceivesEveryChangeInOrder(t *testing.T) {
	s := NewStore()
	rec := &recorder{}
	current, cancel := s.Subscribe(rec.observe)
	defer cancel()
	assert.Equal(t, uint64(0), current.Revision)

	s.AddItem(product("1", 10))
	s.AddItem(product("1", 10))
	s.RemoveItem("absent")
	s.SetQuantity("1", 5)
	s.Clear()

	snaps := rec.all()
	require.Len(t, snaps, 4, "no-op removal must not notify")
	assert.Equal(t, []int{1, 2, 5, 0}, []int{snaps[0].Count, snaps[1].Count, snaps[2].Count, snaps[3].Count})
	for i, snap := range snaps {
		assert.Equal(t, uint64(i+1), snap.Revision)
	}
	assert.True(t, snaps[3].Empty())
}

func TestSubscribe_ReturnsCurrentState(t *testing.T) {
	s := NewStore()
	s.AddItem(product("1", 10))
	s.AddItem(product("2", 5))

	current, cancel := s.Subscribe(func(Snapshot) {})
	defer cancel()

	assert.Equal(t, uint64(2), current.Revision)
	assert.Equal(t, 2, current.Count)
	assert.Equal(t, "15", current.Total.String())
}

func TestSubscribe_CancelStopsDelivery(t *testing.T) {
	s := NewStore()
	rec := &recorder{}
	_, cancel := s.Subscribe(rec.observe)

	s.AddItem(product("1", 1))
	cancel()
	cancel() // idempotent
	s.AddItem(product("2", 1))

	assert.Len(t, rec.all(), 1)
}

func TestSubscribe_ObserverMayReadStore(t *testing.T) {
	s := NewStore()
	var counts []int
	_, cancel := s.Subscribe(func(snap Snapshot) {
		counts = append(counts, s.Count())
	})
	defer cancel()

	s.AddItem(product("1", 1))
	s.AddItem(product("1", 1))

	assert.Equal(t, []int{1, 2}, counts)
}

func TestSubscribe_ConcurrentMutationsDeliveredInRevisionOrder(t *testing.T) {
	s := NewStore()
	rec := &recorder{}
	_, cancel := s.Subscribe(rec.observe)
	defer cancel()

	const writers = 16
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				s.AddItem(product(strconv.Itoa(w), 1))
			}
		}()
	}
	wg.Wait()

	snaps := rec.all()
	require.Len(t, snaps, writers*perWriter)
	for i, snap := range snaps {
		assert.Equal(t, uint64(i+1), snap.Revision)
		assert.Equal(t, i+1, snap.Count)
	}
	assert.Equal(t, writers*perWriter, s.Count())
	assert.Len(t, s.Items(), writers)
}

func TestSubscribe_MultipleObservers(t *testing.T) {
	s := NewStore()
	a, b := &recorder{}, &recorder{}
	_, cancelA := s.Subscribe(a.observe)
	_, cancelB := s.Subscribe(b.observe)
	defer cancelA()
	defer cancelB()

	s.AddItem(product("1", 3))

	require.Len(t, a.all(), 1)
	require.Len(t, b.all(), 1)
	assert.Equal(t, a.all()[0].Revision, b.all()[0].Revision)
}
