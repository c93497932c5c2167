package attendance

import (
	"encoding/csv"
	"io"
)

// WriteCSV renders records as a report with a header row.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"User ID", "Name", "Date", "Day", "In Time", "Out Time", "Duration"}); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{r.UserID, r.Name, r.Date, r.DayOfWeek, r.InTime, deref(r.OutTime), deref(r.Duration)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
