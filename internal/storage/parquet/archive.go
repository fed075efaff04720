package parquet

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xtxerr/tcpingd/internal/storage/types"
)

const dayLayout = "2006-01-02"

// DayFile is one archive file covering a UTC day.
type DayFile struct {
	Path string
	Day  time.Time // Midnight UTC
	Size int64
}

// End returns the exclusive end of the file's day.
func (f DayFile) End() time.Time {
	return f.Day.AddDate(0, 0, 1)
}

// DayFileName returns the archive file name for the day containing t.
func DayFileName(t time.Time) string {
	return t.UTC().Format(dayLayout) + ".parquet"
}

// ParseDayFileName extracts the day from an archive file name.
func ParseDayFileName(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, ".parquet") {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(dayLayout, strings.TrimSuffix(name, ".parquet"), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// ListDayFiles returns the archive files in dir, oldest first.
// A missing directory is an empty archive.
func ListDayFiles(dir string) ([]DayFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []DayFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		day, ok := ParseDayFileName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, DayFile{
			Path: filepath.Join(dir, e.Name()),
			Day:  day,
			Size: info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Day.Before(files[j].Day)
	})
	return files, nil
}

// FilesOverlapping returns the paths of archive files whose day overlaps w.
func FilesOverlapping(dir string, w types.Window) ([]string, error) {
	files, err := ListDayFiles(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, f := range files {
		if f.End().UnixMilli() <= w.SinceMs || f.Day.UnixMilli() >= w.UntilMs {
			continue
		}
		paths = append(paths, f.Path)
	}
	return paths, nil
}
