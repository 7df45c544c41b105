package mmu_test

import (
	"sync"
	"testing"

	"github.com/bassosimone/vm32/internal/addr"
	"github.com/bassosimone/vm32/internal/emuerr"
	"github.com/bassosimone/vm32/internal/mmu"
	"github.com/stretchr/testify/require"
)

var lock sync.Mutex

func withMMU(t *testing.T, fn func(m *mmu.MMU)) {
	t.Helper()
	lock.Lock()
	defer lock.Unlock()
	m, err := mmu.New()
	require.NoError(t, err)
	defer m.Close()
	fn(m)
}

func TestWriteWithoutWriteBitFaults(t *testing.T) {
	withMMU(t, func(m *mmu.MMU) {
		m.SetProt(addr.Of(0x1000), emuerr.Read)
		err := m.Write32(0x1000, 1)
		var pf *emuerr.PageFaultError
		require.ErrorAs(t, err, &pf)
		require.Equal(t, emuerr.Write, pf.Missing)
	})
}

func TestExecuteWithoutExecuteBitFaultsWithPC(t *testing.T) {
	withMMU(t, func(m *mmu.MMU) {
		m.SetProt(addr.UpTo(4096), emuerr.Read|emuerr.Write)
		err := m.CheckProt(addr.Of(0), emuerr.Execute)
		var pf *emuerr.PageFaultError
		require.ErrorAs(t, err, &pf)
		require.Equal(t, emuerr.Execute, pf.Missing)
		pf2 := pf.WithPC(0)
		require.Contains(t, pf2.Error(), "0x00000000")
	})
}

func TestReadWithReadWriteSucceeds(t *testing.T) {
	withMMU(t, func(m *mmu.MMU) {
		m.SetProt(addr.Of(0x2000), emuerr.Read|emuerr.Write)
		require.NoError(t, m.Write32(0x2000, 0xCAFEBABE))
		v, err := m.Read32(0x2000)
		require.NoError(t, err)
		require.Equal(t, uint32(0xCAFEBABE), v)
	})
}

func TestSetProtCoversEveryPageInRange(t *testing.T) {
	withMMU(t, func(m *mmu.MMU) {
		m.SetProt(addr.FromInclusive(0, mmu.PageSize*2), emuerr.Read)
		require.Equal(t, emuerr.Read, m.Prot(0))
		require.Equal(t, emuerr.Read, m.Prot(mmu.PageSize))
		require.Equal(t, emuerr.Read, m.Prot(mmu.PageSize*2))
		require.Equal(t, emuerr.Prot(0), m.Prot(mmu.PageSize*3))
	})
}

func TestUncheckedBypassesProtection(t *testing.T) {
	withMMU(t, func(m *mmu.MMU) {
		require.NoError(t, m.Write32Unchecked(0x3000, 42))
		v, err := m.Read32Unchecked(0x3000)
		require.NoError(t, err)
		require.Equal(t, uint32(42), v)
	})
}

func TestOverflowNearTopOfAddressSpaceDoesNotPanic(t *testing.T) {
	withMMU(t, func(m *mmu.MMU) {
		_, err := m.Read32(0xFFFFFFFE)
		require.ErrorIs(t, err, emuerr.ErrOverflow)
	})
}
