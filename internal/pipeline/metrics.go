package pipeline

import stewardotel "github.com/dativo-io/steward/internal/otel"

var (
	meter          = stewardotel.Meter("github.com/dativo-io/steward/internal/pipeline")
	actionsCounter = stewardotel.Counter(meter, "pipeline.actions", "Actions processed by the pipeline, by status and reason code")
	runsCounter    = stewardotel.Counter(meter, "pipeline.runs", "Pipeline runs, by source kind and outcome")
)
