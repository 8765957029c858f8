package writer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"
)

var pineTemplate = template.Must(template.New("pine").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`// {{.Title}} with {{.Days}} days of embedded history
// Generated {{.Generated}}

//@version=5
indicator("{{.Title}}", overlay=true, max_lines_count=500, max_labels_count=50, max_boxes_count=100)

var array<string> DATA_DATES = array.from({{join .Dates ", "}})
var array<float> DATA_HIGHS = array.from({{join .Highs ", "}})
var array<float> DATA_LOWS = array.from({{join .Lows ", "}})
var array<float> DATA_BG = array.from({{join .BuyerGamma ", "}})
var array<float> DATA_SG = array.from({{join .SellerGamma ", "}})

bool useOverride = input.bool(false, "Override latest day", group="Override")
float overrideHigh = input.float({{.LatestHigh}}, "Resistance", group="Override")
float overrideLow = input.float({{.LatestLow}}, "Support", group="Override")
string overrideDate = input.string("{{.LatestDate}}", "Date (dd/mm/yyyy)", group="Override")

string showOn = input.string("{{.Symbol}}", "Chart symbol", group="Settings")
color topColor = input.color(#00ff00, "Resistance", group="Settings")
color lowColor = input.color(#ff0000, "Support", group="Settings")
color gammaColor = input.color(color.new(#ffeb3b, 0), "Gamma", group="Settings")
color zoneColor = input.color(color.new(#2962ff, 90), "Zone", group="Settings")
bool showGamma = input.bool(true, "Show gamma levels", group="Settings")
bool showZones = input.bool(true, "Show zones", group="Settings")
int lineWidth = input.int(2, "Line width", minval=1, maxval=5, group="Settings")

parseDate(s) =>
    array<string> parts = str.split(s, "/")
    array.size(parts) == 3 ? timestamp(int(str.tonumber(array.get(parts, 2))), int(str.tonumber(array.get(parts, 1))), int(str.tonumber(array.get(parts, 0))), 0, 0, 0) : na

if barstate.islast and syminfo.ticker == showOn
    array<string> dates = array.copy(DATA_DATES)
    array<float> highs = array.copy(DATA_HIGHS)
    array<float> lows = array.copy(DATA_LOWS)
    if useOverride
        array.push(dates, overrideDate)
        array.push(highs, overrideHigh)
        array.push(lows, overrideLow)

    int prevTs = na
    float prevHigh = na
    float prevLow = na
    for i = 0 to array.size(dates) - 1
        int ts = parseDate(array.get(dates, i))
        float hi = array.get(highs, i)
        float lo = array.get(lows, i)
        if not na(ts)
            if showZones
                box.new(ts - 86400000, hi, ts, lo, xloc=xloc.bar_time, border_color=color.new(zoneColor, 100), bgcolor=zoneColor)
            if not na(prevTs)
                line.new(prevTs, prevHigh, ts, hi, xloc=xloc.bar_time, color=topColor, width=lineWidth)
                line.new(prevTs, prevLow, ts, lo, xloc=xloc.bar_time, color=lowColor, width=lineWidth)
            if showGamma and i < array.size(DATA_BG)
                line.new(ts - 86400000, array.get(DATA_BG, i), ts, array.get(DATA_BG, i), xloc=xloc.bar_time, color=gammaColor, style=line.style_dotted)
                line.new(ts - 86400000, array.get(DATA_SG, i), ts, array.get(DATA_SG, i), xloc=xloc.bar_time, color=gammaColor, style=line.style_dashed)
            if i == array.size(dates) - 1
                label.new(ts, hi, "R: " + str.tostring(hi), xloc=xloc.bar_time, color=topColor, textcolor=color.white, style=label.style_label_left)
                label.new(ts, lo, "S: " + str.tostring(lo), xloc=xloc.bar_time, color=lowColor, textcolor=color.white, style=label.style_label_left)
            prevTs := ts
            prevHigh := hi
            prevLow := lo
`))

// PineOptions configure the generated indicator.
type PineOptions struct {
	Title  string
	Symbol string
}

type pineData struct {
	Title, Symbol, Generated string
	Days                     int
	Dates, Highs, Lows       []string
	BuyerGamma, SellerGamma  []string
	LatestDate               string
	LatestHigh, LatestLow    string
}

// RenderPine writes a TradingView indicator embedding rows, oldest first.
func RenderPine(w io.Writer, rows []DailyRow, opts PineOptions, now time.Time) error {
	sorted := append([]DailyRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	data := pineData{
		Title:      opts.Title,
		Symbol:     opts.Symbol,
		Generated:  now.UTC().Format("2006-01-02 15:04 UTC"),
		Days:       len(sorted),
		LatestDate: now.UTC().Format(DailyLayout),
		LatestHigh: "0",
		LatestLow:  "0",
	}
	if data.Title == "" {
		data.Title = "Option Levels"
	}
	if data.Symbol == "" {
		data.Symbol = "BTCUSDT"
	}
	for _, r := range sorted {
		data.Dates = append(data.Dates, fmt.Sprintf("%q", r.Date.Format(DailyLayout)))
		data.Highs = append(data.Highs, RoundLevel(r.High))
		data.Lows = append(data.Lows, RoundLevel(r.Low))
		data.BuyerGamma = append(data.BuyerGamma, RoundLevel(r.BuyerGamma))
		data.SellerGamma = append(data.SellerGamma, RoundLevel(r.SellerGamma))
	}
	if n := len(sorted); n > 0 {
		last := sorted[n-1]
		data.LatestDate = last.Date.Format(DailyLayout)
		data.LatestHigh = RoundLevel(last.High)
		data.LatestLow = RoundLevel(last.Low)
	}
	return pineTemplate.Execute(w, data)
}

// WritePine renders the indicator for the daily file at dailyPath into out.
func WritePine(dailyPath, out string, opts PineOptions, now time.Time) (int, error) {
	rows, err := ReadDaily(dailyPath)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(out)
	if err != nil {
		return 0, err
	}
	if err := RenderPine(f, rows, opts, now); err != nil {
		f.Close()
		return 0, err
	}
	return len(rows), f.Close()
}
