package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderbarn/renderbarn/internal/models"
)

func TestDedupDevicesCollapsesBackendListings(t *testing.T) {
	raw := []RawGPUDevice{
		{Name: "NVIDIA GeForce RTX 4090", Backend: "CUDA", BusID: "0000:01:00"},
		{Name: "NVIDIA GeForce RTX 4090", Backend: "OPTIX", BusID: "0000:01:00"},
	}

	devices, backends := DedupDevices(raw)
	require.Len(t, devices, 1)
	assert.Equal(t, models.BackendOptiX, devices[0].Type)
	assert.Equal(t, 0, devices[0].Index)
	assert.Equal(t, []models.GPUBackend{models.BackendOptiX}, backends)
}

func TestDedupDevicesGTXPrefersCUDA(t *testing.T) {
	raw := []RawGPUDevice{
		{Name: "NVIDIA GeForce GTX 1080", Backend: "CUDA", BusID: "0000:02:00"},
		{Name: "NVIDIA GeForce GTX 1080", Backend: "OPTIX", BusID: "0000:02:00"},
	}

	devices, _ := DedupDevices(raw)
	require.Len(t, devices, 1)
	assert.Equal(t, models.BackendCUDA, devices[0].Type)
}

func TestDedupDevicesPreferenceOrder(t *testing.T) {
	// A card that is neither RTX nor GTX takes the preferred backend it
	// actually exposes.
	raw := []RawGPUDevice{
		{Name: "AMD Radeon RX 7900", Backend: "HIP", BusID: "0000:03:00"},
	}
	devices, backends := DedupDevices(raw)
	require.Len(t, devices, 1)
	assert.Equal(t, models.BackendHIP, devices[0].Type)
	assert.Equal(t, []models.GPUBackend{models.BackendHIP}, backends)
}

func TestDedupDevicesMultipleCards(t *testing.T) {
	raw := []RawGPUDevice{
		{Name: "NVIDIA GeForce RTX 3090", Backend: "CUDA", BusID: "0000:01:00"},
		{Name: "NVIDIA GeForce RTX 3090", Backend: "OPTIX", BusID: "0000:01:00"},
		{Name: "NVIDIA GeForce GTX 1080", Backend: "CUDA", BusID: "0000:02:00"},
		{Name: "NVIDIA GeForce GTX 1080", Backend: "OPTIX", BusID: "0000:02:00"},
	}

	devices, backends := DedupDevices(raw)
	require.Len(t, devices, 2)
	assert.Equal(t, models.BackendOptiX, devices[0].Type)
	assert.Equal(t, models.BackendCUDA, devices[1].Type)
	assert.Equal(t, 0, devices[0].Index)
	assert.Equal(t, 1, devices[1].Index)
	// Backend set follows preference order, not discovery order.
	assert.Equal(t, []models.GPUBackend{models.BackendOptiX, models.BackendCUDA}, backends)
}

func TestDedupDevicesFallsBackToNameKey(t *testing.T) {
	raw := []RawGPUDevice{
		{Name: "Apple M3 Max", Backend: "METAL", BusID: ""},
		{Name: "Apple M3 Max", Backend: "METAL", BusID: ""},
	}
	devices, _ := DedupDevices(raw)
	assert.Len(t, devices, 1)
}

func TestExtractMarkedJSON(t *testing.T) {
	out := "Blender 4.5.1\nstartup noise\nRENDERBARN_CAPS_BEGIN\n{\"devices\":[]}\nRENDERBARN_CAPS_END\nBlender quit"
	payload, err := extractMarkedJSON(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"devices":[]}`, payload)

	_, err = extractMarkedJSON("no markers here")
	assert.Error(t, err)
}
