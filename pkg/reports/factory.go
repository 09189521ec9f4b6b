package reports

import (
	"fmt"
)

// NewReportGenerator creates a report generator based on the report type.
func NewReportGenerator(reportType ReportType, s ReportStore) (Generator, error) {
	switch reportType {
	case ReportTypeUsage:
		return NewUsageReport(s), nil
	case ReportTypeUnused:
		return NewUnusedReport(s), nil
	case ReportTypeDuplicates:
		return NewDuplicatesReport(s), nil
	default:
		return nil, fmt.Errorf("unknown report type: %s", reportType)
	}
}
