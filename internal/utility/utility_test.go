package utility

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hivequery/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := &Client{
		http:         &http.Client{Timeout: 5 * time.Second},
		GeocodeURL:   srv.URL + "/geocode",
		ForecastURL:  srv.URL + "/forecast",
		CurrencyURL:  srv.URL + "/currency",
		TranslateURL: srv.URL + "/translate",
		NewsURL:      srv.URL + "/news",
	}
	return c, srv
}

func TestExtractPlace(t *testing.T) {
	cases := map[string]string{
		"What's the weather in Tokyo?":          "Tokyo",
		"weather forecast for New York today":   "New York",
		"How cold is it in Oslo tomorrow":       "Oslo",
		"temperature at Heathrow":               "Heathrow",
		"is it raining":                         "",
	}
	for query, want := range cases {
		assert.Equal(t, want, extractPlace(query), "query: %q", query)
	}
}

func TestWeather(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/geocode", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Tokyo", r.URL.Query().Get("name"))
		w.Write([]byte(`{"results":[{"name":"Tokyo","country":"Japan","latitude":35.69,"longitude":139.69}]}`))
	})
	mux.HandleFunc("/forecast", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("current_weather"))
		w.Write([]byte(`{"current_weather":{"temperature":21.5,"windspeed":12.0,"weathercode":2}}`))
	})
	c, srv := testClient(mux)
	defer srv.Close()

	got := c.Weather(context.Background(), "What's the weather in Tokyo?")

	require.Equal(t, types.StatusSuccess, got.Status)
	assert.Contains(t, got.RawText, "Tokyo, Japan")
	assert.Contains(t, got.RawText, "21.5°C")
	assert.Contains(t, got.RawText, "partly cloudy")
	assert.Equal(t, "weather", got.ServiceID)
}

func TestWeatherUnknownPlace(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/geocode", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})
	c, srv := testClient(mux)
	defer srv.Close()

	got := c.Weather(context.Background(), "weather in Atlantis")
	assert.Equal(t, types.StatusError, got.Status)
	assert.Contains(t, got.Err, "Atlantis")
}

func TestCurrency(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/currency", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("amount"))
		assert.Equal(t, "USD", r.URL.Query().Get("from"))
		assert.Equal(t, "EUR", r.URL.Query().Get("to"))
		w.Write([]byte(`{"amount":100,"base":"USD","rates":{"EUR":92.41}}`))
	})
	c, srv := testClient(mux)
	defer srv.Close()

	got := c.Currency(context.Background(), "convert 100 USD to EUR please")

	require.Equal(t, types.StatusSuccess, got.Status)
	assert.Equal(t, "100 USD = 92.41 EUR", got.RawText)
}

func TestCurrencyDefaultsToOneUnit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/currency", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("amount"))
		w.Write([]byte(`{"amount":1,"base":"GBP","rates":{"JPY":189.11}}`))
	})
	c, srv := testClient(mux)
	defer srv.Close()

	got := c.Currency(context.Background(), "GBP to JPY exchange rate")
	require.Equal(t, types.StatusSuccess, got.Status)
	assert.Contains(t, got.RawText, "189.11 JPY")
}

func TestCurrencyNoPair(t *testing.T) {
	c, srv := testClient(http.NewServeMux())
	defer srv.Close()

	got := c.Currency(context.Background(), "what is money")
	assert.Equal(t, types.StatusError, got.Status)
}

func TestExtractTranslation(t *testing.T) {
	phrase, lang := extractTranslation("Translate good morning in french")
	assert.Equal(t, "good morning", phrase)
	assert.Equal(t, "fr", lang)

	phrase, lang = extractTranslation("How do you say thank you in japanese?")
	assert.Equal(t, "thank you", phrase)
	assert.Equal(t, "ja", lang)

	phrase, lang = extractTranslation("no language here")
	assert.Empty(t, phrase)
	assert.Empty(t, lang)
}

func TestTranslate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/translate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "good morning", r.URL.Query().Get("q"))
		assert.Equal(t, "en|fr", r.URL.Query().Get("langpair"))
		w.Write([]byte(`{"responseData":{"translatedText":"bonjour","match":1},"responseStatus":200}`))
	})
	c, srv := testClient(mux)
	defer srv.Close()

	got := c.Translate(context.Background(), "translate good morning in french")

	require.Equal(t, types.StatusSuccess, got.Status)
	assert.Contains(t, got.RawText, "bonjour")
	assert.Contains(t, got.RawText, "french")
}

const newsPage = `<html><body><table>
<tr><td><span class="titleline"><a href="https://a.example">First headline here</a> <span class="sitebit">(a.example)</span></span></td></tr>
<tr><td><span class="titleline"><a href="https://b.example">Second headline here</a></span></td></tr>
<tr><td><span class="rank">3.</span><span class="titleline"><a href="https://c.example">Third headline here</a></span></td></tr>
</table></body></html>`

func TestNews(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/news", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(newsPage))
	})
	c, srv := testClient(mux)
	defer srv.Close()

	got := c.News(context.Background())

	require.Equal(t, types.StatusSuccess, got.Status)
	assert.Contains(t, got.RawText, "1. First headline here")
	assert.Contains(t, got.RawText, "2. Second headline here")
	assert.Contains(t, got.RawText, "3. Third headline here")
	assert.NotContains(t, got.RawText, "sitebit")
}

func TestExtractHeadlinesLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 20; i++ {
		b.WriteString(`<span class="titleline"><a href="#">headline</a></span>`)
	}
	b.WriteString("</body></html>")

	got, err := extractHeadlines(strings.NewReader(b.String()), 10)
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestAnswerRouting(t *testing.T) {
	c, srv := testClient(http.NewServeMux())
	defer srv.Close()

	got := c.Answer(context.Background(), types.CategoryFactual, "who is anyone")
	assert.Equal(t, types.StatusError, got.Status)
	assert.Contains(t, got.Err, "no utility provider")
}
