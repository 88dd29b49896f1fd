package broker

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ccagency/agency/internal/red"
	"github.com/ccagency/agency/internal/store/agencysqlc"
	"github.com/ccagency/agency/pkg/wscutils"
)

// handleSubmitRED is the Broker's single write path for new work: validate
// the RED document, hoist protected keys into the Trustee secret store,
// persist the experiment, expand it into its constituent batches, and
// persist all the batches in one transaction, per spec.md §4.1/§4.2. The
// experiment row is written before that transaction, so a failure after it
// leaves the experiment in place without its batches.
func (s *Server) handleSubmitRED(c *gin.Context) {
	var doc red.Document
	if err := wscutils.BindJSON(c, &doc); err != nil {
		return
	}
	if err := red.Validate(&doc); err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1400, "red_validation_failed"))
		return
	}

	username, err := wscutils.GetRequestUser(c)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1401, "unauthenticated"))
		return
	}

	ctx := c.Request.Context()
	experimentID := uuid.New()
	bundleID := experimentID.String()

	if bundle := red.HoistProtectedValues(&doc, bundleID); len(bundle) > 0 {
		if err := s.secrets.Put(ctx, bundleID, bundle); err != nil {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1502, "secret_store_unavailable"))
			return
		}
	}

	now := time.Now()
	exp := &agencysqlc.Experiment{
		ID:                    experimentID,
		Username:              username,
		ContainerImage:        doc.Container.Settings.Image,
		ContainerRAMMiB:       int32(doc.Container.Settings.RAM),
		RetryIfFailed:         doc.Execution.RetryIfFailed,
		BatchConcurrencyLimit: int32(doc.Execution.BatchConcurrencyLimit),
		Notifications:         doc.Notifications,
		RegistrationTime:      now,
	}
	if doc.Container.Settings.GPUs != nil {
		exp.ContainerGPUCount = int32(doc.Container.Settings.GPUs.Count)
		exp.ContainerGPUVRAMMin = int32(doc.Container.Settings.GPUs.VRAMMin)
	}
	if doc.Execution.AccessURL != "" {
		exp.AccessURL = pgtype.Text{String: doc.Execution.AccessURL, Valid: true}
	}

	if err := s.store.InsertExperiment(ctx, exp); err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}

	overrides := red.ExpandBatches(&doc)
	batches := make([]*agencysqlc.Batch, len(overrides))
	batchIDs := make([]string, len(overrides))
	for i, bo := range overrides {
		inputsJSON, _ := json.Marshal(bo.Inputs)
		outputsJSON, _ := json.Marshal(bo.Outputs)
		id := uuid.New()

		inputsJSON, err := s.maybeOffload(ctx, id, "inputs", inputsJSON)
		if err != nil {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1502, "blob_store_unavailable"))
			return
		}
		outputsJSON, err = s.maybeOffload(ctx, id, "outputs", outputsJSON)
		if err != nil {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1502, "blob_store_unavailable"))
			return
		}

		batchIDs[i] = id.String()
		batches[i] = &agencysqlc.Batch{
			ID:               id,
			ExperimentID:     experimentID,
			Username:         username,
			BatchIndex:       int32(i),
			State:            agencysqlc.BatchStateRegistered,
			MountInputs:      bo.MountInputs,
			MountOutputs:     bo.MountOutputs,
			Inputs:           inputsJSON,
			Outputs:          outputsJSON,
			RegistrationTime: now,
		}
	}
	if err := s.store.InsertBatches(ctx, batches); err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}

	s.notifyController()
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{
		"experimentId": experimentID.String(),
		"batchIds":     batchIDs,
	}))
}
