package schedule

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// placeholderDuration is assumed for a live map whose time cell is empty
// (the server is switching maps). Records built from it carry NeedsRetry.
const placeholderDuration = 600

// queueSlotSeconds spaces the ETAs of a server's queued maps: the second map
// in the queue starts one full rotation after the first, and so on.
const queueSlotSeconds = 600

var (
	digitsRe    = regexp.MustCompile(`^(\d+)$`)
	clockRe     = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	mapHrefRe   = regexp.MustCompile(`/map/\d+`)
	tableRowSel = `tr[data-slot="table-row"]`
)

// Parse extracts schedule records from the rendered schedule page.
//
// The page is a table with one row per server: server badge, the map playing
// now, the next queued maps, and the time left on the current map. Each row
// yields one live record plus one queued record per upcoming map. Rows that
// cannot be understood are skipped individually; Parse never fails on a
// malformed row, only when no table exists at all.
func Parse(html string, log *slog.Logger) ([]Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse schedule html: %w", err)
	}

	table := doc.Find(`table[data-slot="table"]`).First()
	if table.Length() == 0 {
		table = doc.Find("table").First()
	}
	if table.Length() == 0 {
		return nil, fmt.Errorf("no schedule table in document")
	}

	rows := table.Find(tableRowSel)
	if rows.Length() == 0 {
		rows = table.Find("tbody tr")
	}

	var records []Record
	rows.Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find(`td[data-slot="table-cell"]`)
		if cells.Length() < 4 {
			cells = tr.Find("td")
		}
		if cells.Length() < 4 {
			log.Debug("skipping schedule row with too few cells", slog.Int("cells", cells.Length()))
			return
		}

		server := parseServerLabel(cells.Eq(0))
		if server == "" {
			log.Debug("skipping schedule row without server badge")
			return
		}

		liveMap := parseMapNumber(cells.Eq(1))
		if liveMap == "" {
			log.Debug("skipping schedule row without live map", slog.String("server", server))
			return
		}

		remaining, needsRetry := parseRemaining(cells.Eq(3))

		records = append(records, Record{
			MapNumber:     liveMap,
			Server:        server,
			IsLive:        true,
			RemainingTime: fmt.Sprintf("%d", remaining),
			NeedsRetry:    needsRetry,
		})

		// Queued maps inherit the live map's remaining time as their base ETA,
		// each one a rotation further out.
		slot := 0
		cells.Eq(2).Find("a").Each(func(_ int, a *goquery.Selection) {
			if href, ok := a.Attr("href"); !ok || !mapHrefRe.MatchString(href) {
				return
			}
			num := strings.TrimSpace(a.Text())
			if !digitsRe.MatchString(num) {
				log.Debug("skipping queued map with non-numeric label",
					slog.String("server", server), slog.String("text", num))
				return
			}
			eta := remaining + slot*queueSlotSeconds
			records = append(records, Record{
				MapNumber: num,
				Server:    server,
				IsLive:    false,
				ETA:       fmt.Sprintf("%d:%02d", eta/60, eta%60),
			})
			slot++
		})
	})

	log.Debug("parsed schedule", slog.Int("records", len(records)))
	return records, nil
}

// parseServerLabel reads the numeric server badge from the first cell and
// renders it as the canonical "Server N" label.
func parseServerLabel(cell *goquery.Selection) string {
	badge := cell.Find(`span[data-slot="badge"]`).First()
	if badge.Length() == 0 {
		badge = cell.Find("span").First()
	}
	if badge.Length() == 0 {
		return ""
	}
	text := strings.TrimSpace(badge.Text())
	if !digitsRe.MatchString(text) {
		return ""
	}
	return "Server " + text
}

// parseMapNumber reads the map link text from the "Now" cell.
func parseMapNumber(cell *goquery.Selection) string {
	var num string
	cell.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, ok := a.Attr("href")
		if !ok || !mapHrefRe.MatchString(href) {
			return true
		}
		text := strings.TrimSpace(a.Text())
		if digitsRe.MatchString(text) {
			num = text
			return false
		}
		return true
	})
	return num
}

// parseRemaining reads the time cell as seconds. An empty cell means the
// server is between maps; the placeholder duration is substituted and the
// retry flag raised so downstream state never trusts it.
func parseRemaining(cell *goquery.Selection) (seconds int, needsRetry bool) {
	text := strings.TrimSpace(cell.Text())
	m := clockRe.FindStringSubmatch(text)
	if m == nil {
		return placeholderDuration, true
	}
	minutes, _ := strconv.Atoi(m[1])
	secs, _ := strconv.Atoi(m[2])
	return minutes*60 + secs, false
}
