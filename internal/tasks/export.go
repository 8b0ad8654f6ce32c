package tasks

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/leadscope/backend/internal/database"
)

// utf8BOM makes spreadsheet tools detect the encoding correctly.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var csvHeader = []string{
	"fullName", "firstName", "lastName", "age", "city", "state", "fullLocation",
	"phone", "phoneType", "carrier", "propertyValue", "searchName",
	"searchLocation", "detailUrl", "dataSource", "fetchDate",
}

// ExportCSV renders a finished task's results as a UTF-8 CSV with BOM, one
// row per result in creation order.
func (s *Service) ExportCSV(ctx context.Context, token, userID string) ([]byte, string, error) {
	task, err := s.ownedTask(ctx, token, userID)
	if err != nil {
		return nil, "", err
	}
	if !database.TerminalStatus(task.Status) {
		return nil, "", ErrNotReady
	}

	var rows []database.SearchResult
	for page := 1; ; page++ {
		batch, total, err := s.store.ListResults(ctx, task.ID, page, 200)
		if err != nil {
			return nil, "", err
		}
		rows = append(rows, batch...)
		if len(batch) == 0 || len(rows) >= total {
			break
		}
	}

	var buf bytes.Buffer
	buf.Write(utf8BOM)
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, "", err
	}

	searchLocation := task.QueryState
	if task.QueryCity != "" {
		searchLocation = task.QueryCity + ", " + task.QueryState
	}
	for _, r := range rows {
		age := ""
		if r.Age > 0 {
			age = strconv.Itoa(r.Age)
		}
		fetchDate := r.CreatedAt
		if len(fetchDate) >= 10 {
			fetchDate = fetchDate[:10]
		}
		record := []string{
			strings.TrimSpace(r.FirstName + " " + r.LastName),
			r.FirstName,
			r.LastName,
			age,
			r.City,
			r.State,
			joinLocation(r.City, r.State),
			r.Phone,
			r.PhoneType,
			r.Carrier,
			"", // propertyValue: not sourced by the current providers
			task.QueryName,
			searchLocation,
			r.LinkedinURL,
			r.DataSource,
			fetchDate,
		}
		if err := w.Write(record); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}

	filename := fmt.Sprintf("leads-%s.csv", shortToken(task.Token))
	return buf.Bytes(), filename, nil
}

func joinLocation(city, state string) string {
	switch {
	case city != "" && state != "":
		return city + ", " + state
	case city != "":
		return city
	default:
		return state
	}
}

func shortToken(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
