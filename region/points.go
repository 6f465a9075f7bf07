package region

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	lonColumns = []string{"lon", "longitude", "lng", "x"}
	latColumns = []string{"lat", "latitude", "y"}
)

// LoadPointsCSV reads GPS points from a CSV file with a header row. The
// longitude and latitude columns are found by name (lon/longitude/lng/x and
// lat/latitude/y, case insensitive). Rows with an unparsable coordinate are
// skipped; the count of skipped rows is returned alongside the points.
func LoadPointsCSV(path string) ([]Point, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()
	return ReadPointsCSV(file)
}

// ReadPointsCSV is LoadPointsCSV over a reader.
func ReadPointsCSV(r io.Reader) ([]Point, int, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header")
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}
	lonCol, ok := findColumn(colIndex, lonColumns)
	if !ok {
		return nil, 0, errors.Errorf("no longitude column in header %v", header)
	}
	latCol, ok := findColumn(colIndex, latColumns)
	if !ok {
		return nil, 0, errors.Errorf("no latitude column in header %v", header)
	}

	var points []Point
	skipped := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		lon, errLon := parseCoord(record[lonCol])
		lat, errLat := parseCoord(record[latCol])
		if errLon != nil || errLat != nil {
			skipped++
			continue
		}
		points = append(points, Point{Lon: lon, Lat: lat})
	}
	return points, skipped, nil
}

// FindCSV returns the first CSV file in dir.
func FindCSV(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", errors.Errorf("no CSV files found in %s", dir)
	}
	return matches[0], nil
}

func findColumn(colIndex map[string]int, names []string) (int, bool) {
	for _, name := range names {
		if i, ok := colIndex[name]; ok {
			return i, true
		}
	}
	return 0, false
}

func parseCoord(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty string")
	}
	return strconv.ParseFloat(s, 64)
}
