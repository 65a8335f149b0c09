package train

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/samber/lo"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Dataset represents a collection of feature rows and integer class labels.
type Dataset struct {
	Features   *mat.Dense
	Labels     []int
	NumClasses int
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.Labels) }

// NumFeatures returns the width of a feature row.
func (d *Dataset) NumFeatures() int {
	if d.Features == nil {
		return 0
	}
	_, c := d.Features.Dims()
	return c
}

// ClassCounts returns how many samples each class has, indexed 0..C-1.
// Classes absent from the dataset count 0.
func (d *Dataset) ClassCounts() []int {
	seen := lo.CountValues(d.Labels)
	counts := make([]int, d.NumClasses)
	for c := range counts {
		counts[c] = seen[c]
	}
	return counts
}

// Batch is a contiguous run of rows.
type Batch struct {
	X      *mat.Dense
	Labels []int
}

// Batches splits the dataset into consecutive batches of at most size rows.
// Batch matrices are views into the dataset.
func (d *Dataset) Batches(size int) []Batch {
	if size <= 0 {
		panic("Dataset: batch size must be > 0")
	}
	n, f := d.Len(), d.NumFeatures()
	var out []Batch
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, Batch{
			X:      d.Features.Slice(start, end, 0, f).(*mat.Dense),
			Labels: d.Labels[start:end],
		})
	}
	return out
}

// Shuffled returns a copy of the dataset with rows permuted by seed.
func (d *Dataset) Shuffled(seed uint64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(d.Len())
	n, f := d.Len(), d.NumFeatures()
	x := mat.NewDense(n, f, nil)
	labels := make([]int, n)
	for i, p := range perm {
		x.SetRow(i, d.Features.RawRowView(p))
		labels[i] = d.Labels[p]
	}
	return &Dataset{Features: x, Labels: labels, NumClasses: d.NumClasses}
}

// Split splits the dataset into two based on the given ratio (0.0 to 1.0).
// Returns two new Datasets (train, test) sharing storage with d.
func (d *Dataset) Split(ratio float64) (*Dataset, *Dataset) {
	n, f := d.Len(), d.NumFeatures()
	splitIdx := int(float64(n) * ratio)
	if splitIdx < 0 {
		splitIdx = 0
	}
	if splitIdx > n {
		splitIdx = n
	}
	part := func(from, to int) *Dataset {
		ds := &Dataset{Labels: d.Labels[from:to], NumClasses: d.NumClasses}
		if to > from {
			ds.Features = d.Features.Slice(from, to, 0, f).(*mat.Dense)
		}
		return ds
	}
	return part(0, splitIdx), part(splitIdx, n)
}

// Normalize performs in-place min-max normalization of every feature column.
func (d *Dataset) Normalize() {
	if d.Len() == 0 {
		return
	}
	col := make([]float64, d.Len())
	for j := 0; j < d.NumFeatures(); j++ {
		mat.Col(col, j, d.Features)
		minV, maxV := math.Inf(1), math.Inf(-1)
		for _, v := range col {
			minV = math.Min(minV, v)
			maxV = math.Max(maxV, v)
		}
		for i, v := range col {
			if maxV > minV {
				col[i] = (v - minV) / (maxV - minV)
			} else {
				col[i] = 0
			}
		}
		d.Features.SetCol(j, col)
	}
}

// LoadCSV loads data from a CSV file.
// labelCol is the index of the integer class column, counted from the end
// when negative; all other columns are used as features. hasHeader skips the first line if true. The number of
// classes is one more than the largest label.
func LoadCSV(filename string, labelCol int, hasHeader bool) (*Dataset, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}

	startRow := 0
	if hasHeader {
		startRow = 1
	}
	if len(records) <= startRow {
		return nil, fmt.Errorf("csv file has no data rows")
	}

	numCols := len(records[0])
	if labelCol < 0 {
		labelCol += numCols
	}
	if labelCol < 0 || labelCol >= numCols {
		return nil, fmt.Errorf("label column %d outside [0, %d)", labelCol, numCols)
	}

	numSamples := len(records) - startRow
	features := mat.NewDense(numSamples, numCols-1, nil)
	labels := make([]int, numSamples)
	numClasses := 0

	for i := startRow; i < len(records); i++ {
		record := records[i]
		if len(record) != numCols {
			return nil, fmt.Errorf("inconsistent number of columns at row %d", i)
		}
		row := features.RawRowView(i - startRow)
		k := 0
		for j, valStr := range record {
			if j == labelCol {
				label, err := strconv.Atoi(valStr)
				if err != nil {
					return nil, fmt.Errorf("failed to parse label at row %d: %w", i, err)
				}
				if label < 0 {
					return nil, fmt.Errorf("negative label %d at row %d", label, i)
				}
				labels[i-startRow] = label
				if label+1 > numClasses {
					numClasses = label + 1
				}
				continue
			}
			val, err := strconv.ParseFloat(valStr, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse value at row %d, col %d: %w", i, j, err)
			}
			row[k] = val
			k++
		}
	}

	return &Dataset{Features: features, Labels: labels, NumClasses: numClasses}, nil
}

// Synthetic draws an imbalanced classification dataset: counts[c] samples of
// class c around a random center, with gaussian noise of the given spread.
// Rows are grouped by class; shuffle before training.
func Synthetic(counts []int, features int, spread float64, seed uint64) *Dataset {
	src := rand.NewSource(seed)
	centers := distuv.Normal{Mu: 0, Sigma: 3, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: spread, Src: src}

	total := lo.Sum(counts)
	x := mat.NewDense(total, features, nil)
	labels := make([]int, 0, total)

	row := 0
	center := make([]float64, features)
	for c, n := range counts {
		for j := range center {
			center[j] = centers.Rand()
		}
		for k := 0; k < n; k++ {
			r := x.RawRowView(row)
			for j := range r {
				r[j] = center[j] + noise.Rand()
			}
			labels = append(labels, c)
			row++
		}
	}
	return &Dataset{Features: x, Labels: labels, NumClasses: len(counts)}
}
