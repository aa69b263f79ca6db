package jobs

import jobmetrics "github.com/odyssey-erp/governance/internal/jobs"

var defaultJobMetrics = jobmetrics.NewMetrics(nil)
