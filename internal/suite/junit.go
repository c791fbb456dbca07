package suite

import (
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type JUnitReport struct {
	XMLName xml.Name         `xml:"testsuites"`
	Suites  []JUnitTestSuite `xml:"testsuite"`
}

type JUnitTestSuite struct {
	XMLName   xml.Name        `xml:"testsuite"`
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Skipped   int             `xml:"skipped,attr"`
	Time      float64         `xml:"time,attr"`
	TimeHuman time.Duration   `xml:"-"`
	TestCases []JUnitTestCase `xml:"testcase"`
}

type JUnitTestCase struct {
	XMLName   xml.Name `xml:"testcase"`
	ClassName string   `xml:"classname,attr"`
	Name      string   `xml:"name,attr"`
	Time      float64  `xml:"time,attr"`
	Failure   *Failure `xml:"failure,omitempty"`
	Skipped   *Skipped `xml:"skipped,omitempty"`
	Case      *Case    `xml:"-"`
}

type Failure struct {
	XMLName xml.Name `xml:"failure"`
	Message string   `xml:"message,attr"`
	Type    string   `xml:"type,attr"`
}

type Skipped struct {
	XMLName xml.Name `xml:"skipped"`
	Message string   `xml:"message,attr,omitempty"`
}

// NewSuite builds a suite from registered cases
func NewSuite(name string, cases []Case) *JUnitTestSuite {
	ts := &JUnitTestSuite{Name: name, Tests: len(cases)}
	for i := range cases {
		ts.TestCases = append(ts.TestCases, JUnitTestCase{
			ClassName: name,
			Name:      cases[i].Name,
			Case:      &cases[i],
		})
	}
	return ts
}

func (ts *JUnitTestSuite) skip(i int, msg string) {
	ts.TestCases[i].Skipped = &Skipped{Message: msg}
	ts.Skipped++
}

func (ts *JUnitTestSuite) fail(i int, msg string) {
	ts.TestCases[i].Failure = &Failure{Message: msg, Type: "failure"}
	ts.Failures++
}

// PrintSuite logs the cases of ts with their tags
func PrintSuite(logger *slog.Logger, ts *JUnitTestSuite) {
	logger.Info("*** Test suite", "suite", ts.Name, "tests", ts.Tests)
	for _, test := range ts.TestCases {
		logger.Info("* Test", "name", test.Name, "tags", strings.Join(test.Case.Tags, ","),
			"nodes", test.Case.nodes(), "min_version", test.Case.MinVersion)
	}
}

// PrintResults logs the outcome of every case and a summary
func PrintResults(logger *slog.Logger, ts *JUnitTestSuite) {
	var numFailed, numSkipped, numPassed int
	logger.Info("Test suite results", "suite", ts.Name)
	for _, test := range ts.TestCases {
		switch {
		case test.Skipped != nil:
			logger.Warn("SKIP", "test", test.Name, "reason", test.Skipped.Message)
			numSkipped++
		case test.Failure != nil:
			logger.Error("FAIL", "test", test.Name, "error", strings.ReplaceAll(test.Failure.Message, "\n", "; "))
			numFailed++
		default:
			logger.Info("PASS", "test", test.Name)
			numPassed++
		}
	}
	logger.Info("Test suite summary", "tests", len(ts.TestCases), "passed", numPassed, "skipped", numSkipped, "failed", numFailed, "duration", ts.TimeHuman)
}

// WriteJUnit writes the suites as a JUnit XML document
func WriteJUnit(w io.Writer, suites ...JUnitTestSuite) error {
	data, err := xml.MarshalIndent(JUnitReport{Suites: suites}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling junit report: %w", err)
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("writing junit report: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing junit report: %w", err)
	}
	return nil
}

// WriteJUnitFile writes the report to path
func WriteJUnitFile(path string, suites ...JUnitTestSuite) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating junit report: %w", err)
	}
	if err := WriteJUnit(f, suites...); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing junit report: %w", err)
	}
	return nil
}
