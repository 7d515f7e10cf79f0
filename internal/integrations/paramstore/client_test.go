package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/billsplit/config/openai_model"), Value: strPtr("gpt-4o-mini"),
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), " /billsplit/config/openai_model ")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", v)
	require.Equal(t, "/billsplit/config/openai_model", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestGetParameter_HappyPath_SecureString(t *testing.T) {
	typeStr := "SecureString"
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/billsplit/messaging-token"), Value: strPtr("tok-123"), Type: types.ParameterType(typeStr),
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), "/billsplit/messaging-token")
	require.NoError(t, err)
	require.Equal(t, "tok-123", v)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: nil}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing value")
}

func TestGetParameter_ApiError(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("boom")}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	api := &fakeAPI{}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestLookup_Found(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/billsplit/config/policy"), Value: strPtr("max_retry_count: 5"),
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, ok, err := client.Lookup(context.Background(), "/billsplit/config/policy")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "max_retry_count: 5", v)
}

func TestLookup_NotFoundIsAbsent(t *testing.T) {
	api := &fakeAPI{getErr: &types.ParameterNotFound{Message: strPtr("not found")}}
	client, err := New(api)
	require.NoError(t, err)
	v, ok, err := client.Lookup(context.Background(), "/billsplit/config/policy")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, v)
}

func TestLookup_OtherErrorsPropagate(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("AccessDeniedException")}
	client, err := New(api)
	require.NoError(t, err)
	_, ok, err := client.Lookup(context.Background(), "/billsplit/config/policy")
	require.Error(t, err)
	require.False(t, ok)
}
