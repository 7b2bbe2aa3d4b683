package picolog

import (
	"fmt"
	"os"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// WriteSnapshotNPY saves a plot snapshot as a NumPy .npy matrix for offline
// analysis. Column 0 is the time axis; the remaining columns follow
// snap.Order. Returns the column names in file order.
func WriteSnapshotNPY(filename string, snap PlotSnapshot) ([]string, error) {
	nrows := len(snap.Times)
	if nrows == 0 {
		return nil, fmt.Errorf("snapshot is empty, nothing to export")
	}
	ncols := 1 + len(snap.Order)
	data := make([]float64, nrows*ncols)
	for r, t := range snap.Times {
		data[r*ncols] = t
	}
	for c, key := range snap.Order {
		col := snap.Channels[key]
		if len(col) != nrows {
			return nil, fmt.Errorf("channel %s has %d samples, time axis has %d",
				key, len(col), nrows)
		}
		for r, v := range col {
			data[r*ncols+c+1] = v
		}
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := npyio.Write(f, mat.NewDense(nrows, ncols, data)); err != nil {
		return nil, fmt.Errorf("cannot write %s: %v", filename, err)
	}
	columns := append([]string{"timestamp"}, snap.Order...)
	return columns, nil
}
