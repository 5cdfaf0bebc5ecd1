package models

// ReportEntry is one row of the bulk processing report. Column names follow
// the radiology review sheet the report is delivered as.
type ReportEntry struct {
	PathToStudy            string  `json:"path_to_study"`
	StudyUID               string  `json:"study_uid"`
	SeriesUID              string  `json:"series_uid"`
	ProbabilityOfPathology float64 `json:"probability_of_pathology"`
	Pathology              int     `json:"pathology"`
	ProcessingStatus       string  `json:"processing_status"`
	TimeOfProcessing       float64 `json:"time_of_processing"`
	PathologyLocalization  string  `json:"pathology_localization"`
}

// Processing statuses recorded in report entries.
const (
	ProcessingSuccess = "Success"
	ProcessingFailure = "Failure"
)
