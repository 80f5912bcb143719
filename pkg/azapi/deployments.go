// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package azapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/azure/azure-mirror/pkg/account"
	"github.com/azure/azure-mirror/pkg/azsdk"
	"github.com/azure/azure-mirror/pkg/azure"
	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/benbjohnson/clock"
)

// cArmDeploymentNameLengthMax is the maximum length of the name of a deployment in ARM.
const cArmDeploymentNameLengthMax = 64

// DeploymentState is the coarse lifecycle of a cloud-side deployment as seen
// by the monitoring loop.
type DeploymentState string

const (
	DeploymentStateNotStarted DeploymentState = "NotStarted"
	DeploymentStateRunning    DeploymentState = "Running"
	DeploymentStateSucceeded  DeploymentState = "Succeeded"
	DeploymentStateFailed     DeploymentState = "Failed"
	DeploymentStateCanceled   DeploymentState = "Canceled"
)

// Terminal reports whether the deployment has finished, successfully or not.
func (s DeploymentState) Terminal() bool {
	return s == DeploymentStateSucceeded || s == DeploymentStateFailed || s == DeploymentStateCanceled
}

// DeploymentOutput is one named output value of a completed deployment.
type DeploymentOutput struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// DeploymentSnapshot is a point-in-time view of a cloud-side deployment.
type DeploymentSnapshot struct {
	Id      string
	Name    string
	State   DeploymentState
	Outputs map[string]DeploymentOutput
	Error   *DeploymentErrorLine
	Raw     json.RawMessage
}

// ValidationOutcome is the result of a preflight validation call.
type ValidationOutcome struct {
	IsValid bool
	Error   *AzureDeploymentError
	Raw     json.RawMessage
}

// Errors returns the flattened leaf errors of a failed validation.
func (o *ValidationOutcome) Errors() []*DeploymentErrorLine {
	if o.Error == nil {
		return nil
	}
	return o.Error.Details.Leaves()
}

// DeploymentService drives resource group scoped ARM deployments: preflight
// validation, submission, status polling and cancellation.
type DeploymentService struct {
	credentialProvider account.SubscriptionCredentialProvider
	armClientOptions   *arm.ClientOptions
	guard              *azsdk.Guard
	clock              clock.Clock
}

func NewDeploymentService(
	credentialProvider account.SubscriptionCredentialProvider,
	armClientOptions *arm.ClientOptions,
	guard *azsdk.Guard,
	clock clock.Clock,
) *DeploymentService {
	return &DeploymentService{
		credentialProvider: credentialProvider,
		armClientOptions:   armClientOptions,
		guard:              guard,
		clock:              clock,
	}
}

// GenerateDeploymentName creates a name to use for the deployment object. It appends the current
// unix time to the base name (separated by a hyphen) to provide a unique name for each deployment.
// If the resulting name is longer than the ARM limit, the longest suffix of the name under the
// limit is returned.
func (ds *DeploymentService) GenerateDeploymentName(baseName string) string {
	name := fmt.Sprintf("%s-%d", baseName, ds.clock.Now().Unix())
	if len(name) <= cArmDeploymentNameLengthMax {
		return name
	}

	return name[len(name)-cArmDeploymentNameLengthMax:]
}

// ValidateDeployment runs the ARM preflight validation for the template
// without deploying it. A rejected template is not an error of this call: the
// outcome carries the flattened validation error tree.
func (ds *DeploymentService) ValidateDeployment(
	ctx context.Context,
	subscriptionId string,
	resourceGroup string,
	deploymentName string,
	armTemplate azure.RawArmTemplate,
	parameters azure.ArmParameters,
	mode mirror.DeploymentMode,
) (*ValidationOutcome, error) {
	deploymentClient, err := ds.createDeploymentsClient(ctx, subscriptionId)
	if err != nil {
		return nil, err
	}

	deployment := armresources.Deployment{
		Properties: &armresources.DeploymentProperties{
			Template:   armTemplate,
			Parameters: parameters,
			Mode:       to.Ptr(toArmDeploymentMode(mode)),
		},
	}

	var raw json.RawMessage
	err = ds.guard.Do(ctx, azsdk.ServiceArm, func() error {
		validateOperation, validateErr := deploymentClient.BeginValidate(ctx, resourceGroup, deploymentName, deployment, nil)
		if validateErr != nil {
			return classifyError("validating deployment", validateErr)
		}

		result, pollErr := validateOperation.PollUntilDone(ctx, nil)
		if pollErr != nil {
			return classifyError("validating deployment", pollErr)
		}

		raw, _ = json.Marshal(result.DeploymentValidateResult)
		return nil
	})

	if err != nil {
		// Preflight rejections surface as 400 responses carrying the error
		// tree; anything else is a call failure.
		if KindOf(err) != ErrorKindValidation {
			return nil, err
		}

		deploymentErr := deploymentErrorFrom("Validation Error Details", err)
		return &ValidationOutcome{
			IsValid: false,
			Error:   deploymentErr,
			Raw:     json.RawMessage(deploymentErr.Json),
		}, nil
	}

	return &ValidationOutcome{IsValid: true, Raw: raw}, nil
}

// SubmitDeployment PUTs the deployment and returns the cloud-side deployment
// id without waiting for completion. Callers monitor progress through
// GetDeployment.
func (ds *DeploymentService) SubmitDeployment(
	ctx context.Context,
	subscriptionId string,
	resourceGroup string,
	deploymentName string,
	armTemplate azure.RawArmTemplate,
	parameters azure.ArmParameters,
	mode mirror.DeploymentMode,
) (string, error) {
	deploymentClient, err := ds.createDeploymentsClient(ctx, subscriptionId)
	if err != nil {
		return "", err
	}

	deployment := armresources.Deployment{
		Properties: &armresources.DeploymentProperties{
			Template:   armTemplate,
			Parameters: parameters,
			Mode:       to.Ptr(toArmDeploymentMode(mode)),
		},
	}

	err = ds.guard.Do(ctx, azsdk.ServiceArm, func() error {
		_, submitErr := deploymentClient.BeginCreateOrUpdate(ctx, resourceGroup, deploymentName, deployment, nil)
		return classifyError("starting deployment to resource group", submitErr)
	})
	if err != nil {
		return "", err
	}

	return azure.ResourceGroupDeploymentRID(subscriptionId, resourceGroup, deploymentName), nil
}

// GetDeployment reads the current state of a deployment.
func (ds *DeploymentService) GetDeployment(
	ctx context.Context,
	subscriptionId string,
	resourceGroup string,
	deploymentName string,
) (*DeploymentSnapshot, error) {
	deploymentClient, err := ds.createDeploymentsClient(ctx, subscriptionId)
	if err != nil {
		return nil, err
	}

	var response armresources.DeploymentsClientGetResponse
	err = ds.guard.Do(ctx, azsdk.ServiceArm, func() error {
		var innerErr error
		response, innerErr = deploymentClient.Get(ctx, resourceGroup, deploymentName, nil)
		return classifyError("getting deployment from resource group", innerErr)
	})
	if err != nil {
		if KindOf(err) == ErrorKindNotFound {
			return nil, ErrDeploymentNotFound
		}
		return nil, err
	}

	return snapshotFromArmDeployment(&response.DeploymentExtended), nil
}

// CancelDeployment requests cancellation of a running deployment. Returns
// false when the deployment no longer exists or is not in a cancellable
// state.
func (ds *DeploymentService) CancelDeployment(
	ctx context.Context,
	subscriptionId string,
	resourceGroup string,
	deploymentName string,
) (bool, error) {
	deploymentClient, err := ds.createDeploymentsClient(ctx, subscriptionId)
	if err != nil {
		return false, err
	}

	err = ds.guard.Do(ctx, azsdk.ServiceArm, func() error {
		_, cancelErr := deploymentClient.Cancel(ctx, resourceGroup, deploymentName, nil)
		return classifyError("cancelling deployment", cancelErr)
	})
	if err != nil {
		switch KindOf(err) {
		case ErrorKindNotFound, ErrorKindValidation:
			// Already finished or never started; nothing to cancel.
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func (ds *DeploymentService) createDeploymentsClient(
	ctx context.Context,
	subscriptionId string,
) (*armresources.DeploymentsClient, error) {
	credential, err := ds.credentialProvider.CredentialForSubscription(ctx, subscriptionId)
	if err != nil {
		return nil, err
	}

	client, err := armresources.NewDeploymentsClient(subscriptionId, credential, ds.armClientOptions)
	if err != nil {
		return nil, fmt.Errorf("creating deployments client: %w", err)
	}

	return client, nil
}

func toArmDeploymentMode(mode mirror.DeploymentMode) armresources.DeploymentMode {
	if mode == mirror.DeploymentModeComplete {
		return armresources.DeploymentModeComplete
	}
	return armresources.DeploymentModeIncremental
}

func snapshotFromArmDeployment(deployment *armresources.DeploymentExtended) *DeploymentSnapshot {
	snapshot := &DeploymentSnapshot{
		Id:      *deployment.ID,
		Name:    *deployment.Name,
		State:   DeploymentStateNotStarted,
		Outputs: map[string]DeploymentOutput{},
	}

	if deployment.Properties == nil {
		return snapshot
	}

	if deployment.Properties.ProvisioningState != nil {
		snapshot.State = fromArmProvisioningState(*deployment.Properties.ProvisioningState)
	}

	snapshot.Outputs = CreateDeploymentOutputs(deployment.Properties.Outputs)

	if deployment.Properties.Error != nil {
		snapshot.Error = errorLineFromArmError(deployment.Properties.Error)
	}

	snapshot.Raw, _ = json.Marshal(deployment)
	return snapshot
}

func fromArmProvisioningState(state armresources.ProvisioningState) DeploymentState {
	switch state {
	case armresources.ProvisioningStateSucceeded, armresources.ProvisioningStateReady:
		return DeploymentStateSucceeded
	case armresources.ProvisioningStateFailed:
		return DeploymentStateFailed
	case armresources.ProvisioningStateCanceled, armresources.ProvisioningStateDeleted:
		return DeploymentStateCanceled
	case armresources.ProvisioningStateNotSpecified:
		return DeploymentStateNotStarted
	}

	return DeploymentStateRunning
}

// CreateDeploymentOutputs converts the untyped outputs document returned by
// the SDK into typed output values.
func CreateDeploymentOutputs(rawOutputs any) map[string]DeploymentOutput {
	outputs := map[string]DeploymentOutput{}
	castOutputs, ok := rawOutputs.(map[string]interface{})
	if !ok {
		return outputs
	}

	for key, rawOutput := range castOutputs {
		innerValue, ok := rawOutput.(map[string]interface{})
		if !ok {
			continue
		}

		output := DeploymentOutput{Value: innerValue["value"]}
		if outputType, ok := innerValue["type"].(string); ok {
			output.Type = outputType
		}

		outputs[key] = output
	}

	return outputs
}

func errorLineFromArmError(armError *armresources.ErrorResponse) *DeploymentErrorLine {
	if armError == nil {
		return nil
	}

	line := &DeploymentErrorLine{
		Code:    fromPtr(armError.Code),
		Message: fromPtr(armError.Message),
		Target:  fromPtr(armError.Target),
	}

	for _, detail := range armError.Details {
		if inner := errorLineFromArmError(detail); inner != nil {
			line.Inner = append(line.Inner, inner)
		}
	}

	return line
}

func fromPtr(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// deploymentErrorFrom extracts the raw error body from an HTTP response error
// and parses it into the structured deployment error tree.
func deploymentErrorFrom(title string, err error) *AzureDeploymentError {
	var responseErr *azcore.ResponseError
	if errors.As(err, &responseErr) && responseErr.RawResponse != nil {
		var errorText string
		rawBody, readErr := io.ReadAll(responseErr.RawResponse.Body)
		if readErr != nil {
			errorText = responseErr.Error()
		} else {
			errorText = string(rawBody)
		}
		return NewAzureDeploymentError(title, errorText)
	}

	return NewAzureDeploymentError(title, err.Error())
}
