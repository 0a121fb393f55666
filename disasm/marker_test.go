package disasm

import (
	"testing"

	"github.com/mewmew/covirt/addr"
	"github.com/stretchr/testify/require"
)

func TestScanSectionSingleRegion(t *testing.T) {
	var data []byte
	data = append(data, StartMarker[:]...)
	// mov eax, 0x1234
	movEax := []byte{0xB8, 0x34, 0x12, 0x00, 0x00}
	data = append(data, movEax...)
	data = append(data, EndMarker[:]...)

	regions, err := ScanSection(addr.Addr(0x1000), data)
	require.NoError(t, err)
	require.Len(t, regions, 1)

	r := regions[0]
	require.Equal(t, addr.Addr(0x1000), r.StartVA)
	require.Len(t, r.Insts, 1)
	require.Equal(t, addr.Addr(0x1000+16), r.Insts[0].Addr)
	require.Equal(t, addr.Addr(0x1000+16+5), r.EndVA)
}

func TestScanSectionNoRegions(t *testing.T) {
	data := []byte{0x90, 0x90, 0x90}
	regions, err := ScanSection(addr.Addr(0), data)
	require.NoError(t, err)
	require.Empty(t, regions)
}

func TestScanSectionMissingEnd(t *testing.T) {
	var data []byte
	data = append(data, StartMarker[:]...)
	data = append(data, 0x90)

	_, err := ScanSection(addr.Addr(0), data)
	require.Error(t, err)
}

func TestScanSectionMissingStart(t *testing.T) {
	var data []byte
	data = append(data, EndMarker[:]...)

	_, err := ScanSection(addr.Addr(0), data)
	require.Error(t, err)
}
