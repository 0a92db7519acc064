package reftable

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kjstillabower/pollen-risk-service/internal/models"
)

// Header aliases accepted for each column, compared after trim+lowercase.
var (
	suburbHeaders    = []string{"suburb", "suburb_name", "name"}
	latitudeHeaders  = []string{"latitude", "lat"}
	longitudeHeaders = []string{"longitude", "lon", "lng"}
	densityHeaders   = []string{"local_density_score", "plant_density", "density"}
)

type columns struct {
	suburb, lat, lon, density int
}

// LoadCSVFile opens path and parses it with LoadCSV.
func LoadCSVFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference table: %w", err)
	}
	defer f.Close()
	t, err := LoadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("load reference table %s: %w", path, err)
	}
	return t, nil
}

// LoadCSV parses a header-first CSV with a suburb column and at least one of
// latitude+longitude or local_density_score. Empty numeric cells are treated as
// absent coordinates and zero density. Any unparsable number fails the load.
func LoadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyTable
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	var rows []models.SuburbRecord
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		row, err := parseRow(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return newTable(rows)
}

func resolveColumns(header []string) (columns, error) {
	cols := columns{
		suburb:  findColumn(header, suburbHeaders),
		lat:     findColumn(header, latitudeHeaders),
		lon:     findColumn(header, longitudeHeaders),
		density: findColumn(header, densityHeaders),
	}
	if cols.suburb < 0 {
		return cols, ErrNoSuburbColumn
	}
	hasCoords := cols.lat >= 0 && cols.lon >= 0
	if !hasCoords {
		cols.lat, cols.lon = -1, -1
	}
	if !hasCoords && cols.density < 0 {
		return cols, ErrNoValueColumns
	}
	return cols, nil
}

func findColumn(header []string, aliases []string) int {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		for _, a := range aliases {
			if h == a {
				return i
			}
		}
	}
	return -1
}

func parseRow(rec []string, cols columns) (models.SuburbRecord, error) {
	row := models.SuburbRecord{Name: cell(rec, cols.suburb)}
	if cols.lat >= 0 {
		lat, err := parseOptionalFloat(cell(rec, cols.lat))
		if err != nil {
			return row, fmt.Errorf("latitude: %w", err)
		}
		lon, err := parseOptionalFloat(cell(rec, cols.lon))
		if err != nil {
			return row, fmt.Errorf("longitude: %w", err)
		}
		if lat != nil && lon != nil {
			row.Latitude, row.Longitude = lat, lon
		}
	}
	if cols.density >= 0 {
		d, err := parseOptionalFloat(cell(rec, cols.density))
		if err != nil {
			return row, fmt.Errorf("local_density_score: %w", err)
		}
		if d != nil {
			row.DensityScore = *d
		}
	}
	return row, nil
}

func cell(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}

func parseOptionalFloat(s string) (*float64, error) {
	if s == "" || strings.EqualFold(s, "nan") {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
