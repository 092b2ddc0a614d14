package dmclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

const deviceObjectJSON = `{
  "data": {
    "dm_name": "Dummy_Device",
    "dm_id": 12,
    "do": {"dfo": ["Acc-I", "Led-O"]},
    "df_list": [
      {"df_name": "Acc-I", "df_type": "input", "df_parameter": [{"param_type": "float"}, {"param_type": "int"}]},
      {"df_name": "Temp-I", "df_type": "input"},
      {"df_name": "Led-O", "df_type": "output", "df_parameter": [{"param_type": ""}]},
      {"df_name": "Weird", "df_type": "sideways"}
    ]
  }
}`

func TestFetchDeviceObject_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/project/566/deviceobject/2845", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(deviceObjectJSON))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, zap.NewNop())
	do, err := c.FetchDeviceObject(context.Background(), "566", "2845")
	require.NoError(t, err)

	assert.Equal(t, DeviceModel{Name: "Dummy_Device", ID: 12}, do.DM)
	assert.Equal(t, []DeviceFeatureInfo{
		{Name: "Acc-I", DfType: []string{"float", "int"}, Used: true},
		{Name: "Temp-I", DfType: []string{"float"}, Used: false},
	}, do.IDF)
	assert.Equal(t, []DeviceFeatureInfo{
		{Name: "Led-O", DfType: []string{"float"}, Used: true},
	}, do.ODF)

	assert.Equal(t, []string{"Acc-I", "Led-O"}, do.UsedFeatures())
	features := do.Features()
	require.Len(t, features, 3)
	assert.Equal(t, models.DfOutput, features[2].Type.Direction)
	assert.Equal(t, []string{"float", "int"}, features[0].Type.Params)
}

func TestFetchDeviceObject_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"reason": "not found"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, zap.NewNop())
	_, err := c.FetchDeviceObject(context.Background(), "1", "2")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "not found")
}

func TestFetchDeviceObject_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, time.Second, zap.NewNop())
	_, err := c.FetchDeviceObject(context.Background(), "1", "2")
	assert.Error(t, err)
}
