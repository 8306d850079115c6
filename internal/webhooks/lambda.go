package webhooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
)

const defaultLambdaRegion = "us-east-1"

// AWSLambda invokes functions with credentials from the default AWS chain.
// Clients are created lazily, one per region.
type AWSLambda struct {
	mu      sync.Mutex
	clients map[string]*lambda.Lambda
}

func NewAWSLambda() *AWSLambda {
	return &AWSLambda{clients: make(map[string]*lambda.Lambda)}
}

func (l *AWSLambda) Invoke(ctx context.Context, function, region string, async bool, payload []byte) error {
	client, err := l.client(region)
	if err != nil {
		return err
	}
	invocation := lambda.InvocationTypeRequestResponse
	if async {
		invocation = lambda.InvocationTypeEvent
	}
	out, err := client.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(function),
		InvocationType: aws.String(invocation),
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("invoke lambda %s: %w", function, err)
	}
	if out.FunctionError != nil {
		return fmt.Errorf("lambda %s failed: %s", function, aws.StringValue(out.FunctionError))
	}
	return nil
}

func (l *AWSLambda) client(region string) (*lambda.Lambda, error) {
	if region == "" {
		region = defaultLambdaRegion
	}
	l.mu.Lock()

	defer l.mu.Unlock()

	if c, ok := l.clients[region]; ok {
		return c, nil
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("aws session for %s: %w", region, err)
	}
	c := lambda.New(sess)
	l.clients[region] = c

	return c, nil
}
