// Package textract wraps the AWS Textract asynchronous document analysis
// API with QUERIES and custom adapters.
package textract

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sdk "github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"
	"github.com/rotisserie/eris"
)

// Raw job statuses reported by Textract.
const (
	StatusInProgress     = "IN_PROGRESS"
	StatusSucceeded      = "SUCCEEDED"
	StatusFailed         = "FAILED"
	StatusPartialSuccess = "PARTIAL_SUCCESS"
)

// Block types this package surfaces.
const (
	BlockTypeQuery       = "QUERY"
	BlockTypeQueryResult = "QUERY_RESULT"
)

const maxResultsPerPage = 1000

// Client defines the Textract operations used by extraction jobs.
type Client interface {
	StartAnalysis(ctx context.Context, req StartRequest) (string, error)
	GetAnalysis(ctx context.Context, jobID string) (*Analysis, error)
}

// API is the subset of the SDK client used here.
type API interface {
	StartDocumentAnalysis(ctx context.Context, in *sdk.StartDocumentAnalysisInput, optFns ...func(*sdk.Options)) (*sdk.StartDocumentAnalysisOutput, error)
	GetDocumentAnalysis(ctx context.Context, in *sdk.GetDocumentAnalysisInput, optFns ...func(*sdk.Options)) (*sdk.GetDocumentAnalysisOutput, error)
}

// Query is a single natural-language question.
type Query struct {
	Text  string
	Alias string
	Pages []string
}

// StartRequest describes a document analysis job over an S3 object.
type StartRequest struct {
	Bucket         string
	Key            string
	Queries        []Query
	AdapterID      string
	AdapterVersion string
}

// Block is a flattened Textract block.
type Block struct {
	ID         string
	Type       string
	Text       string
	QueryText  string
	QueryAlias string
	Related    []string
	Confidence float32
}

// Analysis is the status, and when finished the full block list, of a job.
type Analysis struct {
	JobID         string
	Status        string
	StatusMessage string
	Pages         int
	Blocks        []Block
}

// APIError is a Textract service error.
type APIError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("textract: %s: %s: %s", e.Op, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Throttled reports whether Textract rejected the call for exceeding its
// request rate.
func (e *APIError) Throttled() bool {
	switch e.Code {
	case "ThrottlingException", "ProvisionedThroughputExceededException":
		return true
	default:
		return false
	}
}

// Option configures the sdkClient.
type Option func(*sdkClient)

// WithAPI injects an SDK implementation.
func WithAPI(api API) Option {
	return func(c *sdkClient) {
		c.api = api
	}
}

// WithRateLimit sets the starting client-side request rate.
func WithRateLimit(rps float64) Option {
	return func(c *sdkClient) {
		if rps > 0 {
			c.limiter = NewAdaptiveLimiter(rps, int(rps)+1)
		}
	}
}

type sdkClient struct {
	api     API
	limiter *AdaptiveLimiter
}

// Credentials holds optional static credentials. Empty values fall back to
// the default AWS credential chain.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient creates a Textract client for region.
func NewClient(ctx context.Context, region string, creds Credentials, opts ...Option) (Client, error) {
	c := &sdkClient{limiter: NewAdaptiveLimiter(5, 5)}
	for _, opt := range opts {
		opt(c)
	}
	if c.api != nil {
		return c, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if creds.AccessKeyID != "" && creds.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "textract: load aws config")
	}
	c.api = sdk.NewFromConfig(cfg)
	return c, nil
}

func (c *sdkClient) StartAnalysis(ctx context.Context, req StartRequest) (string, error) {
	queries := make([]types.Query, 0, len(req.Queries))
	for _, q := range req.Queries {
		tq := types.Query{Text: aws.String(q.Text), Pages: q.Pages}
		if q.Alias != "" {
			tq.Alias = aws.String(q.Alias)
		}
		queries = append(queries, tq)
	}

	in := &sdk.StartDocumentAnalysisInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{
				Bucket: aws.String(req.Bucket),
				Name:   aws.String(req.Key),
			},
		},
		FeatureTypes:  []types.FeatureType{types.FeatureTypeQueries},
		QueriesConfig: &types.QueriesConfig{Queries: queries},
	}
	if req.AdapterID != "" {
		in.AdaptersConfig = &types.AdaptersConfig{
			Adapters: []types.Adapter{{
				AdapterId: aws.String(req.AdapterID),
				Pages:     []string{"*"},
				Version:   aws.String(req.AdapterVersion),
			}},
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "textract: start analysis: rate limiter")
	}
	out, err := c.api.StartDocumentAnalysis(ctx, in)
	if err != nil {
		return "", c.wrapErr("start analysis", err)
	}
	c.limiter.OnSuccess()
	return aws.ToString(out.JobId), nil
}

// GetAnalysis fetches the job status. Once the job is terminal it follows
// NextToken until every block has been collected.
func (c *sdkClient) GetAnalysis(ctx context.Context, jobID string) (*Analysis, error) {
	res := &Analysis{JobID: jobID}
	var next *string
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "textract: get analysis: rate limiter")
		}
		out, err := c.api.GetDocumentAnalysis(ctx, &sdk.GetDocumentAnalysisInput{
			JobId:      aws.String(jobID),
			MaxResults: aws.Int32(maxResultsPerPage),
			NextToken:  next,
		})
		if err != nil {
			return nil, c.wrapErr(fmt.Sprintf("get analysis %s", jobID), err)
		}
		c.limiter.OnSuccess()

		res.Status = string(out.JobStatus)
		res.StatusMessage = aws.ToString(out.StatusMessage)
		if out.DocumentMetadata != nil && out.DocumentMetadata.Pages != nil {
			res.Pages = int(*out.DocumentMetadata.Pages)
		}
		for _, b := range out.Blocks {
			res.Blocks = append(res.Blocks, fromSDKBlock(b))
		}

		if res.Status == StatusInProgress || out.NextToken == nil || *out.NextToken == "" {
			return res, nil
		}
		next = out.NextToken
	}
}

func fromSDKBlock(b types.Block) Block {
	blk := Block{
		ID:   aws.ToString(b.Id),
		Type: string(b.BlockType),
		Text: aws.ToString(b.Text),
	}
	if b.Confidence != nil {
		blk.Confidence = *b.Confidence
	}
	if b.Query != nil {
		blk.QueryText = aws.ToString(b.Query.Text)
		blk.QueryAlias = aws.ToString(b.Query.Alias)
	}
	for _, rel := range b.Relationships {
		blk.Related = append(blk.Related, rel.Ids...)
	}
	return blk
}

func (c *sdkClient) wrapErr(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		apiErr := &APIError{Op: op, Code: ae.ErrorCode(), Message: ae.ErrorMessage(), Err: err}
		if apiErr.Throttled() {
			c.limiter.OnThrottle()
		}
		return apiErr
	}
	return eris.Wrap(err, "textract: "+op)
}
