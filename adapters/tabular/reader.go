package tabular

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
	"gocohort/internal"
	"gocohort/internal/config"
	"gocohort/internal/errors"
)

// Reader loads the raw cohort table (.xlsx or .csv, one row per subject)
// into analysis-ready records. Missingness is decided here, once: a cell
// that is empty or equals the source's documented sentinel becomes an
// explicit missing value. Categorical answers like "refused" are ordinary
// labels, not missing data.
type Reader struct {
	filePath string
	fileType string // "xlsx" or "csv"
	sheet    string
	sentinel string
	study    *config.Study
	log      *internal.Logger
}

// NewReader creates a reader for the study's cohort file
func NewReader(filePath, sheet, sentinel string, study *config.Study, logger *internal.Logger) *Reader {
	ext := strings.ToLower(filepath.Ext(filePath))
	fileType := "xlsx"
	if ext == ".csv" {
		fileType = "csv"
	}
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &Reader{
		filePath: filePath,
		fileType: fileType,
		sheet:    sheet,
		sentinel: sentinel,
		study:    study,
		log:      logger,
	}
}

// Read loads and types the cohort table
func (r *Reader) Read(ctx context.Context) (*cohort.Cohort, error) {
	if _, err := os.Stat(r.filePath); os.IsNotExist(err) {
		return nil, errors.IngestError(fmt.Sprintf("cohort file not found: %s", r.filePath))
	}

	var rows [][]string
	var err error
	switch r.fileType {
	case "csv":
		rows, err = r.readCSV()
	case "xlsx":
		rows, err = r.readExcel()
	default:
		return nil, errors.IngestError(fmt.Sprintf("unsupported file type: %s", r.fileType))
	}
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, errors.IngestError("cohort table has no data rows")
	}

	colIndex := make(map[string]int, len(rows[0]))
	for j, h := range rows[0] {
		colIndex[strings.TrimSpace(h)] = j
	}
	if err := r.checkColumns(colIndex); err != nil {
		return nil, err
	}

	subjects := make([]cohort.Subject, 0, len(rows)-1)
	for rowNum, row := range rows[1:] {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "ingestion cancelled")
		}
		s, err := r.parseSubject(row, colIndex)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", rowNum+2)
		}
		subjects = append(subjects, s)
	}

	c, err := cohort.NewCohort(subjects)
	if err != nil {
		return nil, errors.Wrap(err, "cohort invariant violated")
	}
	r.log.Info("loaded cohort: %d subjects from %s", c.Size(), r.filePath)
	return c, nil
}

func (r *Reader) readCSV() ([][]string, error) {
	f, err := os.Open(r.filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open CSV file")
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse CSV file")
	}
	return rows, nil
}

func (r *Reader) readExcel() ([][]string, error) {
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open Excel file")
	}
	defer f.Close()

	rows, err := f.GetRows(r.sheet)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read sheet %s", r.sheet)
	}
	return rows, nil
}

// checkColumns verifies every study column exists in the table header
func (r *Reader) checkColumns(colIndex map[string]int) error {
	var needed []string
	needed = append(needed, r.study.IDVar, r.study.ExposureVar, r.study.WeightVar)
	needed = append(needed, r.rawScoreColumns()...)
	for _, cov := range r.study.Covariates {
		needed = append(needed, cov.Key)
	}
	for _, col := range needed {
		if _, ok := colIndex[col]; !ok {
			return errors.IngestError(fmt.Sprintf("cohort table is missing column %q", col))
		}
	}
	return nil
}

// rawScoreColumns lists the physical test-score columns: ungrouped tests
// plus every repeated-trial column
func (r *Reader) rawScoreColumns() []string {
	var cols []string
	for _, test := range r.study.Tests {
		if trials, grouped := r.study.TrialGroups[test]; grouped {
			cols = append(cols, trials...)
		} else {
			cols = append(cols, test)
		}
	}
	return cols
}

func (r *Reader) parseSubject(row []string, colIndex map[string]int) (cohort.Subject, error) {
	cell := func(col string) string {
		j := colIndex[col]
		if j >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[j])
	}

	id := cell(r.study.IDVar)
	if id == "" {
		return cohort.Subject{}, errors.IngestError("empty subject identifier")
	}

	s := cohort.Subject{
		ID:      core.SubjectID(id),
		Scores:  make(map[core.VariableKey]cohort.Value),
		Numeric: make(map[core.VariableKey]cohort.Value),
		Labels:  make(map[core.VariableKey]cohort.Label),
	}

	exposure, err := r.parseValue(cell(r.study.ExposureVar))
	if err != nil {
		return cohort.Subject{}, errors.Wrapf(err, "column %s", r.study.ExposureVar)
	}
	s.ExposureMonths = exposure

	weight, err := r.parseValue(cell(r.study.WeightVar))
	if err != nil {
		return cohort.Subject{}, errors.Wrapf(err, "column %s", r.study.WeightVar)
	}
	if weight.IsMissing() {
		return cohort.Subject{}, errors.IngestError(
			fmt.Sprintf("subject %s has no base sampling weight", id))
	}
	s.BaseWeight = weight.Float

	for _, col := range r.rawScoreColumns() {
		v, err := r.parseValue(cell(col))
		if err != nil {
			return cohort.Subject{}, errors.Wrapf(err, "column %s", col)
		}
		s.Scores[core.VariableKey(col)] = v
	}

	for _, cov := range r.study.Covariates {
		raw := cell(cov.Key)
		switch cohort.CovariateKind(cov.Kind) {
		case cohort.CovariateContinuous:
			v, err := r.parseValue(raw)
			if err != nil {
				return cohort.Subject{}, errors.Wrapf(err, "column %s", cov.Key)
			}
			s.Numeric[core.VariableKey(cov.Key)] = v
		case cohort.CovariateCategorical:
			// Only a truly empty or sentinel cell is missing; any other
			// string, "refused" included, is an observed level
			if raw != "" && raw != r.sentinel {
				s.Labels[core.VariableKey(cov.Key)] = cohort.Label(raw)
			}
		}
	}
	return s, nil
}

// parseValue types one numeric cell, mapping the sentinel and empty cells to
// an explicit missing value. Any other non-numeric content is an ingest
// error, not silent missingness.
func (r *Reader) parseValue(raw string) (cohort.Value, error) {
	if raw == "" || raw == r.sentinel {
		return cohort.None(), nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return cohort.Value{}, errors.IngestError(fmt.Sprintf("non-numeric cell %q", raw))
	}
	return cohort.Some(f), nil
}
