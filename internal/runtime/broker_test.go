package runtime_test

import (
	"testing"

	"github.com/anvilworks/anvil/internal/runtime"
)

func TestStreamBrokerSingleSubscriber(t *testing.T) {
	b := runtime.NewStreamBroker()
	ch, unsub := b.Subscribe("w1", "rows")
	defer unsub()

	values := []string{`"a"`, `"b"`, `"c"`}
	for _, v := range values {
		b.Publish("w1", "rows", []byte(v))
	}
	b.Close("w1", "rows")

	var got []string
	for v := range ch {
		got = append(got, string(v))
	}

	if len(got) != len(values) {
		t.Fatalf("got %d values, want %d", len(got), len(values))
	}
	for i, v := range got {
		if v != values[i] {
			t.Errorf("value[%d] = %q, want %q", i, v, values[i])
		}
	}
}

func TestStreamBrokerMultipleSubscribers(t *testing.T) {
	b := runtime.NewStreamBroker()
	ch1, unsub1 := b.Subscribe("w1", "rows")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("w1", "rows")
	defer unsub2()

	b.Publish("w1", "rows", []byte(`"hello"`))
	b.Close("w1", "rows")

	var got1, got2 []string
	for v := range ch1 {
		got1 = append(got1, string(v))
	}
	for v := range ch2 {
		got2 = append(got2, string(v))
	}

	if len(got1) != 1 || got1[0] != `"hello"` {
		t.Errorf("subscriber 1 got %v, want [\"hello\"]", got1)
	}
	if len(got2) != 1 || got2[0] != `"hello"` {
		t.Errorf("subscriber 2 got %v, want [\"hello\"]", got2)
	}
}

func TestStreamBrokerKeysAreIndependent(t *testing.T) {
	b := runtime.NewStreamBroker()
	rows, unsubRows := b.Subscribe("w1", "rows")
	defer unsubRows()
	stats, unsubStats := b.Subscribe("w1", "stats")
	defer unsubStats()

	b.Publish("w1", "rows", []byte(`1`))
	b.Close("w1", "rows")
	b.Close("w1", "stats")

	var gotRows, gotStats []string
	for v := range rows {
		gotRows = append(gotRows, string(v))
	}
	for v := range stats {
		gotStats = append(gotStats, string(v))
	}

	if len(gotRows) != 1 {
		t.Errorf("rows got %v, want one value", gotRows)
	}
	if len(gotStats) != 0 {
		t.Errorf("stats got %v, want none", gotStats)
	}
}

func TestStreamBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := runtime.NewStreamBroker()
	b.Publish("w1", "rows", []byte(`"early"`))
	b.Close("w1", "rows")

	ch, unsub := b.Subscribe("w1", "rows")
	defer unsub()

	_, ok := <-ch
	if ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestStreamBrokerCloseAll(t *testing.T) {
	b := runtime.NewStreamBroker()
	ch1, unsub1 := b.Subscribe("w1", "rows")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("w1", "stats")
	defer unsub2()
	other, unsubOther := b.Subscribe("w2", "rows")
	defer unsubOther()

	b.CloseAll("w1")

	if _, ok := <-ch1; ok {
		t.Error("w1 rows channel should be closed")
	}
	if _, ok := <-ch2; ok {
		t.Error("w1 stats channel should be closed")
	}

	// Other workflows are untouched.
	b.Publish("w2", "rows", []byte(`"still live"`))
	select {
	case v, ok := <-other:
		if !ok || string(v) != `"still live"` {
			t.Errorf("w2 got %q (ok=%v), want \"still live\"", v, ok)
		}
	default:
		t.Error("w2 subscriber received nothing")
	}
}

func TestStreamBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := runtime.NewStreamBroker()
	ch, unsub := b.Subscribe("w1", "rows")
	unsub()

	b.Publish("w1", "rows", []byte(`"after unsub"`))
	b.Close("w1", "rows")

	select {
	case v, ok := <-ch:
		if ok {
			t.Errorf("received %q after unsubscribe", v)
		}
	default:
	}
}
