// Package utility answers the narrow query categories with single direct API
// calls, bypassing browser automation entirely. Providers are keyless public
// endpoints: open-meteo for weather, frankfurter for currency, MyMemory for
// translation, and Hacker News for headlines.
package utility

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"hivequery/internal/logging"
	"hivequery/internal/types"

	"golang.org/x/net/html"
)

// Client calls the utility providers. Endpoint fields exist so tests can
// point at a local server.
type Client struct {
	http *http.Client

	GeocodeURL   string
	ForecastURL  string
	CurrencyURL  string
	TranslateURL string
	NewsURL      string
}

// NewClient builds a client against the public endpoints.
func NewClient() *Client {
	return &Client{
		http:         &http.Client{Timeout: 10 * time.Second},
		GeocodeURL:   "https://geocoding-api.open-meteo.com/v1/search",
		ForecastURL:  "https://api.open-meteo.com/v1/forecast",
		CurrencyURL:  "https://api.frankfurter.app/latest",
		TranslateURL: "https://api.mymemory.translated.net/get",
		NewsURL:      "https://news.ycombinator.com/",
	}
}

// Answer routes a utility category to its provider.
func (c *Client) Answer(ctx context.Context, category types.Category, query string) types.ServiceResponse {
	switch category {
	case types.CategoryWeather:
		return c.Weather(ctx, query)
	case types.CategoryCurrency:
		return c.Currency(ctx, query)
	case types.CategoryTranslation:
		return c.Translate(ctx, query)
	case types.CategoryNews:
		return c.News(ctx)
	default:
		return types.Failure("utility", types.StatusError, fmt.Errorf("no utility provider for category %q", category))
	}
}

// ---- weather ----

type geocodeResult struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResult struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
		WindSpeed   float64 `json:"windspeed"`
		WeatherCode int     `json:"weathercode"`
	} `json:"current_weather"`
}

// Weather geocodes the place named in the query and reads the current
// conditions.
func (c *Client) Weather(ctx context.Context, query string) types.ServiceResponse {
	start := time.Now()
	place := extractPlace(query)
	if place == "" {
		return types.Failure("weather", types.StatusError, fmt.Errorf("no place name found in query"))
	}

	var geo geocodeResult
	if err := c.getJSON(ctx, c.GeocodeURL+"?count=1&name="+url.QueryEscape(place), &geo); err != nil {
		return types.Failure("weather", types.StatusError, err)
	}
	if len(geo.Results) == 0 {
		return types.Failure("weather", types.StatusError, fmt.Errorf("unknown place %q", place))
	}
	loc := geo.Results[0]

	var fc forecastResult
	forecastQuery := fmt.Sprintf("?current_weather=true&latitude=%.4f&longitude=%.4f", loc.Latitude, loc.Longitude)
	if err := c.getJSON(ctx, c.ForecastURL+forecastQuery, &fc); err != nil {
		return types.Failure("weather", types.StatusError, err)
	}

	text := fmt.Sprintf("Current weather in %s, %s: %s, %.1f°C, wind %.1f km/h.",
		loc.Name, loc.Country, describeWeatherCode(fc.CurrentWeather.WeatherCode),
		fc.CurrentWeather.Temperature, fc.CurrentWeather.WindSpeed)
	logging.Utility("weather lookup for %q took %v", place, time.Since(start))
	return utilitySuccess("weather", text, start)
}

// extractPlace pulls the location out of phrasings like "weather in Tokyo".
func extractPlace(query string) string {
	lower := strings.ToLower(query)
	for _, prep := range []string{" in ", " for ", " at "} {
		idx := strings.LastIndex(lower, prep)
		if idx < 0 {
			continue
		}
		place := strings.TrimSpace(query[idx+len(prep):])
		place = strings.TrimRight(place, "?!. ")
		for _, suffix := range []string{" today", " tomorrow", " right now", " now"} {
			place = strings.TrimSuffix(place, suffix)
		}
		if place != "" {
			return place
		}
	}
	return ""
}

// describeWeatherCode maps WMO weather codes to words.
func describeWeatherCode(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 3:
		return "partly cloudy"
	case code <= 48:
		return "foggy"
	case code <= 67:
		return "rainy"
	case code <= 77:
		return "snowy"
	case code <= 82:
		return "rain showers"
	case code <= 86:
		return "snow showers"
	default:
		return "thunderstorms"
	}
}

// ---- currency ----

var currencyRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)?\s*([A-Z]{3})\s+(?:to|in|into)\s+([A-Z]{3})`)

type frankfurterResult struct {
	Amount float64            `json:"amount"`
	Base   string             `json:"base"`
	Rates  map[string]float64 `json:"rates"`
}

// Currency parses "<amount> XXX to YYY" and converts via frankfurter.
func (c *Client) Currency(ctx context.Context, query string) types.ServiceResponse {
	start := time.Now()
	m := currencyRe.FindStringSubmatch(strings.ToUpper(query))
	if m == nil {
		return types.Failure("currency", types.StatusError,
			fmt.Errorf("no currency pair found; expected e.g. \"100 USD to EUR\""))
	}
	amount := 1.0
	if m[1] != "" {
		amount, _ = strconv.ParseFloat(m[1], 64)
	}
	from, to := m[2], m[3]

	q := fmt.Sprintf("?amount=%g&from=%s&to=%s", amount, from, to)
	var res frankfurterResult
	if err := c.getJSON(ctx, c.CurrencyURL+q, &res); err != nil {
		return types.Failure("currency", types.StatusError, err)
	}
	converted, ok := res.Rates[to]
	if !ok {
		return types.Failure("currency", types.StatusError, fmt.Errorf("no rate for %s", to))
	}

	text := fmt.Sprintf("%g %s = %.2f %s", amount, from, converted, to)
	return utilitySuccess("currency", text, start)
}

// ---- translation ----

var langCodes = map[string]string{
	"french": "fr", "spanish": "es", "german": "de", "italian": "it",
	"portuguese": "pt", "japanese": "ja", "chinese": "zh", "korean": "ko",
	"russian": "ru", "dutch": "nl", "english": "en",
}

type myMemoryResult struct {
	ResponseData struct {
		TranslatedText string `json:"translatedText"`
		Match          any    `json:"match"`
	} `json:"responseData"`
	ResponseStatus int `json:"responseStatus"`
}

// Translate extracts the phrase and the target language and calls MyMemory.
func (c *Client) Translate(ctx context.Context, query string) types.ServiceResponse {
	start := time.Now()
	phrase, lang := extractTranslation(query)
	if phrase == "" || lang == "" {
		return types.Failure("translation", types.StatusError,
			fmt.Errorf("could not find a phrase and target language in query"))
	}

	q := "?q=" + url.QueryEscape(phrase) + "&langpair=" + url.QueryEscape("en|"+lang)
	var res myMemoryResult
	if err := c.getJSON(ctx, c.TranslateURL+q, &res); err != nil {
		return types.Failure("translation", types.StatusError, err)
	}
	if res.ResponseStatus != 200 || res.ResponseData.TranslatedText == "" {
		return types.Failure("translation", types.StatusError, fmt.Errorf("translation provider returned status %d", res.ResponseStatus))
	}

	text := fmt.Sprintf("%q in %s: %s", phrase, langName(lang), res.ResponseData.TranslatedText)
	return utilitySuccess("translation", text, start)
}

// extractTranslation handles "translate X in/to french" and
// "how do you say X in french".
func extractTranslation(query string) (phrase, lang string) {
	lower := strings.ToLower(strings.TrimRight(strings.TrimSpace(query), "?!. "))
	for name, code := range langCodes {
		for _, prep := range []string{" in ", " to ", " into "} {
			suffix := prep + name
			if strings.HasSuffix(lower, suffix) {
				phrase = strings.TrimSuffix(lower, suffix)
				lang = code
			}
		}
	}
	if phrase == "" {
		return "", ""
	}
	for _, prefix := range []string{"translate ", "how do you say ", "what is ", "say "} {
		if strings.HasPrefix(phrase, prefix) {
			phrase = strings.TrimPrefix(phrase, prefix)
			break
		}
	}
	return strings.Trim(phrase, "\" '"), lang
}

func langName(code string) string {
	for name, c := range langCodes {
		if c == code {
			return name
		}
	}
	return code
}

// ---- news ----

// News scrapes the front-page headlines. Parsed with the html package rather
// than regex so markup changes degrade gracefully.
func (c *Client) News(ctx context.Context) types.ServiceResponse {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.NewsURL, nil)
	if err != nil {
		return types.Failure("news", types.StatusError, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return types.Failure("news", types.StatusError, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.Failure("news", types.StatusError, fmt.Errorf("news provider returned %s", resp.Status))
	}

	headlines, err := extractHeadlines(resp.Body, 10)
	if err != nil {
		return types.Failure("news", types.StatusParseError, err)
	}
	if len(headlines) == 0 {
		return types.Failure("news", types.StatusParseError, fmt.Errorf("no headlines found"))
	}

	var b strings.Builder
	b.WriteString("Top headlines right now:\n")
	for i, h := range headlines {
		fmt.Fprintf(&b, "%d. %s\n", i+1, h)
	}
	return utilitySuccess("news", b.String(), start)
}

// extractHeadlines walks the DOM collecting the story title links
// (span.titleline > a on the HN front page).
func extractHeadlines(r io.Reader, limit int) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse news page: %w", err)
	}
	var headlines []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(headlines) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "span" && hasClass(n, "titleline") {
			for child := n.FirstChild; child != nil; child = child.NextSibling {
				if child.Type == html.ElementNode && child.Data == "a" {
					if title := strings.TrimSpace(nodeText(child)); title != "" {
						headlines = append(headlines, title)
					}
					break
				}
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return headlines, nil
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		b.WriteString(nodeText(child))
	}
	return b.String()
}

// ---- shared ----

func utilitySuccess(serviceID, text string, start time.Time) types.ServiceResponse {
	return types.ServiceResponse{
		ServiceID: serviceID,
		RawText:   text,
		Structured: &types.StructuredPayload{
			Response:   text,
			Summary:    text,
			Confidence: 0.95,
			Category:   "information",
		},
		Confidence: 0.95,
		Category:   "information",
		Status:     types.StatusSuccess,
		Latency:    time.Since(start),
	}
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", rawURL, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}
