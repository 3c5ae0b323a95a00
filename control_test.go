package grove

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testControl(t *testing.T) *control {
	log := slog.New(discardHandler{})
	c, err := openControl("testdata/ctrl.lock", log)
	require.NoError(t, err)
	h := &fileHeader{
		pageSize: 4096,
		nodeCap:  32,
		slot:     topSlot{topRef: refNull, logicalSize: headerReserve, version: 1, generation: 1},
	}
	require.NoError(t, c.attach(h))
	t.Cleanup(func() { c.detach() })
	return c
}

func TestControlAttachFresh(t *testing.T) {
	initTest(t)
	c := testControl(t)
	require.Equal(t, uint64(1), c.currentVersion())

	v, top, size, slot, err := c.pin()
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
	require.Equal(t, refNull, top)
	require.Equal(t, uint64(headerReserve), size)
	c.unpin(slot)
}

func TestControlReattachKeepsState(t *testing.T) {
	initTest(t)
	log := slog.New(discardHandler{})
	c := testControl(t)
	require.NoError(t, c.publish(2, 8192, 16384))

	// A second attachment in the same process joins the live block and sees
	// the published state, not the stale header it carries.
	c2, err := openControl("testdata/ctrl.lock", log)
	require.NoError(t, err)
	h := &fileHeader{
		pageSize: 4096,
		nodeCap:  32,
		slot:     topSlot{topRef: refNull, logicalSize: headerReserve, version: 1, generation: 1},
	}
	require.NoError(t, c2.attach(h))
	require.Equal(t, uint64(2), c2.currentVersion())
	require.NoError(t, c2.detach())
}

func TestControlPublishAndPin(t *testing.T) {
	initTest(t)
	c := testControl(t)

	// Pin v1, publish v2 on top of it; the pin keeps reading v1 state.
	v, top, _, slot, err := c.pin()
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
	require.Equal(t, refNull, top)

	require.NoError(t, c.publish(2, 8192, 32768))
	require.Equal(t, uint64(2), c.currentVersion())

	v2, top2, size2, slot2, err := c.pin()
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)
	require.Equal(t, Ref(8192), top2)
	require.Equal(t, uint64(32768), size2)

	c.unpin(slot)
	c.unpin(slot2)
}

func TestControlRetire(t *testing.T) {
	initTest(t)
	c := testControl(t)

	// v1 stays pinned while v2..v4 are published.
	_, _, _, pinned, err := c.pin()
	require.NoError(t, err)
	require.NoError(t, c.publish(2, 8192, 16384))
	require.NoError(t, c.publish(3, 8192, 16384))
	require.NoError(t, c.publish(4, 8192, 16384))

	// The pinned v1 survives retirement, so it stays the oldest.
	require.Equal(t, uint64(1), c.retireAndOldest())

	c.unpin(pinned)
	// Now only v3 (prior) and v4 (current) must survive.
	require.Equal(t, uint64(3), c.retireAndOldest())

	for i := 0; i < ringSlots; i++ {
		v := c.ringField(i, 0).Load()
		require.True(t, v == 0 || v >= 3, "version %d not retired", v)
	}
}

func TestControlRingFillsUp(t *testing.T) {
	initTest(t)
	c := testControl(t)

	_, _, _, first, err := c.pin()
	require.NoError(t, err)
	pins := []int{first}
	for v := uint64(2); ; v++ {
		if !c.ringHasRoom() {
			break
		}
		require.NoError(t, c.publish(v, 8192, 16384))
		_, _, _, slot, err := c.pin()
		require.NoError(t, err)
		pins = append(pins, slot)
		require.Less(t, v, uint64(ringSlots+2), "ring never filled")
	}
	require.Error(t, c.publish(9999, 8192, 16384))

	// Every slot is pinned, so retirement frees nothing and publish still
	// has no room.
	c.retireAndOldest()
	require.False(t, c.ringHasRoom())

	for _, s := range pins {
		c.unpin(s)
	}
	c.retireAndOldest()
	require.True(t, c.ringHasRoom())
}

func TestControlWriterLock(t *testing.T) {
	initTest(t)
	c := testControl(t)

	require.NoError(t, c.lockWriter(0, uuid.New()))
	require.NoError(t, c.unlockWriter())

	// flock is per file description, so a second open of the sidecar
	// contends even inside one process.
	log := slog.New(discardHandler{})
	c2, err := openControl("testdata/ctrl.lock", log)
	require.NoError(t, err)
	h := &fileHeader{
		pageSize: 4096,
		nodeCap:  32,
		slot:     topSlot{topRef: refNull, logicalSize: headerReserve, version: 1, generation: 1},
	}
	require.NoError(t, c2.attach(h))
	defer c2.detach()

	require.NoError(t, c.lockWriter(0, uuid.New()))
	require.ErrorIs(t, c2.lockWriter(0, uuid.New()), ErrWriteLockTimeout)
	require.NoError(t, c.unlockWriter())
	require.NoError(t, c2.lockWriter(0, uuid.New()))
	require.NoError(t, c2.unlockWriter())
}
