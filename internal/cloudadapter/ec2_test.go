package cloudadapter

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/autoscaling/autoscalingiface"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEC2Client is a configurable mock for ec2iface.EC2API, in the
// teacher's instancetype/aws provider_test.go style.
type mockEC2Client struct {
	ec2iface.EC2API
	describeVolumesFunc func(*ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error)
	calls               int
}

func (m *mockEC2Client) DescribeVolumesWithContext(_ aws.Context, input *ec2.DescribeVolumesInput, _ ...request.Option) (*ec2.DescribeVolumesOutput, error) {
	m.calls++
	return m.describeVolumesFunc(input)
}

type mockASGClient struct {
	autoscalingiface.AutoScalingAPI
	groups []*autoscaling.Group
}

func (m *mockASGClient) DescribeAutoScalingGroupsPagesWithContext(_ aws.Context, _ *autoscaling.DescribeAutoScalingGroupsInput, fn func(*autoscaling.DescribeAutoScalingGroupsOutput, bool) bool, _ ...request.Option) error {
	fn(&autoscaling.DescribeAutoScalingGroupsOutput{AutoScalingGroups: m.groups}, true)
	return nil
}

func TestIsThrottled(t *testing.T) {
	assert.True(t, isThrottled(awserr.New("RequestLimitExceeded", "slow down", nil)))
	assert.True(t, isThrottled(awserr.New("Throttling", "slow down", nil)))
	assert.False(t, isThrottled(awserr.New("InvalidVolume.NotFound", "gone", nil)))
	assert.False(t, isThrottled(assert.AnError))
}

func TestDescribeVolumeReturnsNilOnNotFound(t *testing.T) {
	mock := &mockEC2Client{describeVolumesFunc: func(*ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
		return nil, awserr.New("InvalidVolume.NotFound", "gone", nil)
	}}
	a := NewEC2Adapter(mock, &mockASGClient{}, "osdc.io/gpu-type", logr.Discard())

	v, err := a.DescribeVolume(context.Background(), "vol-missing")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestDescribeVolumeRetriesOnThrottleThenSucceeds(t *testing.T) {
	mock := &mockEC2Client{}
	mock.describeVolumesFunc = func(*ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
		if mock.calls < 2 {
			return nil, awserr.New("Throttling", "slow down", nil)
		}
		return &ec2.DescribeVolumesOutput{Volumes: []*ec2.Volume{{
			VolumeId: aws.String("vol-1"),
			Size:     aws.Int64(100),
			State:    aws.String("in-use"),
			Tags:     []*ec2.Tag{{Key: aws.String("osdc.io/user"), Value: aws.String("alice")}},
			Attachments: []*ec2.VolumeAttachment{{InstanceId: aws.String("i-123")}},
		}}}, nil
	}
	a := NewEC2Adapter(mock, &mockASGClient{}, "osdc.io/gpu-type", logr.Discard())

	v, err := a.DescribeVolume(context.Background(), "vol-1")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 100, v.SizeGiB)
	assert.Equal(t, "i-123", v.AttachedTo)
	assert.Equal(t, "alice", v.Tags["osdc.io/user"])
	assert.GreaterOrEqual(t, mock.calls, 2)
}

func TestDescribeASGsFiltersByPrefixAndGPUTag(t *testing.T) {
	groups := []*autoscaling.Group{
		{
			AutoScalingGroupName: aws.String("gpu-devpod-h100"),
			DesiredCapacity:      aws.Int64(4),
			Tags:                 []*autoscaling.TagDescription{{Key: aws.String("osdc.io/gpu-type"), Value: aws.String("h100")}},
			Instances: []*autoscaling.Instance{
				{LifecycleState: aws.String(autoscaling.LifecycleStateInService)},
				{LifecycleState: aws.String(autoscaling.LifecycleStateInService)},
				{LifecycleState: aws.String(autoscaling.LifecycleStatePending)},
			},
		},
		{
			// wrong prefix, must be dropped
			AutoScalingGroupName: aws.String("other-cluster-h100"),
			Tags:                 []*autoscaling.TagDescription{{Key: aws.String("osdc.io/gpu-type"), Value: aws.String("h100")}},
		},
		{
			// right prefix, no gpu tag, must be dropped
			AutoScalingGroupName: aws.String("gpu-devpod-untagged"),
		},
	}
	a := NewEC2Adapter(&mockEC2Client{}, &mockASGClient{groups: groups}, "osdc.io/gpu-type", logr.Discard())

	out, err := a.DescribeASGs(context.Background(), "gpu-devpod-")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "h100", out[0].GPUType)
	assert.Equal(t, 2, out[0].InServiceCount)
	assert.Equal(t, 4, out[0].DesiredCapacity)
}
