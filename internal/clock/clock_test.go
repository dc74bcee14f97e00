package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceFiresTicker(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)
	tk := c.Ticker(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-tk.Chan():
		t.Fatal("ticker fired before its period")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-tk.Chan():
		assert.Equal(t, start.Add(5*time.Second), got)
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestFake_StoppedTickerIsSilent(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	tk := c.Ticker(time.Second)
	tk.Stop()

	c.Advance(10 * time.Second)
	select {
	case <-tk.Chan():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFake_SetDoesNotTick(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	tk := c.Ticker(time.Second)
	c.Set(time.Unix(100, 0))

	require.Equal(t, time.Unix(100, 0), c.Now())
	select {
	case <-tk.Chan():
		t.Fatal("Set fired a ticker")
	default:
	}
	assert.Equal(t, 1, c.Tickers())
}

func TestReal_NowAdvances(t *testing.T) {
	c := Real()
	a := c.Now()
	tk := c.Ticker(time.Millisecond)
	defer tk.Stop()
	<-tk.Chan()
	assert.True(t, c.Now().After(a))
}

func TestFake_UnreadTickIsReplaced(t *testing.T) {
	start := time.Unix(0, 0)
	c := NewFake(start)
	tk := c.Ticker(time.Second)

	c.Advance(time.Second)
	c.Advance(time.Second)

	assert.Equal(t, start.Add(2*time.Second), <-tk.Chan())
}
