package nominatim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busmap/server/internal/lib/geo"
)

var hoanKiem = geo.Coordinate{Latitude: 21.0285, Longitude: 105.8542}

const searchFixture = `[
  {"lat":"21.0368","lon":"105.8342","name":"Lăng Chủ tịch Hồ Chí Minh","display_name":"Lăng Chủ tịch Hồ Chí Minh, Ba Đình, Hà Nội, Việt Nam","class":"tourism","type":"attraction","address":{"city":"Hà Nội"}},
  {"lat":"21.0245","lon":"105.8412","name":"","display_name":"Ga Hà Nội, Lê Duẩn, Hà Nội, Việt Nam","class":"railway","type":"station"},
  {"lat":"abc","lon":"105.8","display_name":"broken"}
]`

func TestSearch_Success(t *testing.T) {
	var calls int32
	var query map[string][]string
	var userAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		query = r.URL.Query()
		userAgent = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(searchFixture))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, UserAgent: "BusMap/1.0"})
	places, err := client.Search(context.Background(), " Lăng Bác ", hoanKiem)

	require.NoError(t, err)
	require.Len(t, places, 2, "unparseable results are skipped")
	assert.Equal(t, "Lăng Chủ tịch Hồ Chí Minh", places[0].Name)
	assert.InDelta(t, 21.0368, places[0].Position.Latitude, 1e-9)
	assert.Equal(t, "Hà Nội", places[0].Address["city"])
	assert.Equal(t, "Ga Hà Nội", places[1].Name, "name falls back to the first display_name part")

	assert.Equal(t, "BusMap/1.0", userAgent)
	assert.Equal(t, []string{"Lăng Bác"}, query["q"])
	assert.Equal(t, []string{"json"}, query["format"])
	assert.Equal(t, []string{"10"}, query["limit"])
	assert.Equal(t, []string{"1"}, query["bounded"])
	assert.Equal(t, []string{"105.754200,21.128500,105.954200,20.928500"}, query["viewbox"])

	// Same query is served from cache
	_, err = client.Search(context.Background(), "lăng bác", hoanKiem)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSearch_NoBiasIsUnbounded(t *testing.T) {
	var query map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	places, err := NewClient(Config{BaseURL: server.URL, UserAgent: "test"}).Search(context.Background(), "Cầu Giấy", geo.Coordinate{})
	require.NoError(t, err)
	assert.Empty(t, places)
	assert.NotContains(t, query, "viewbox")
	assert.NotContains(t, query, "bounded")
}

func TestSearch_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("usage policy violation"))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, UserAgent: "test"})
	_, err := client.Search(context.Background(), "Hồ Gươm", hoanKiem)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	places, err := client.Search(context.Background(), "   ", hoanKiem)
	assert.NoError(t, err)
	assert.Empty(t, places)
}
