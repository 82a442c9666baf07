package cloudadapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/autoscaling/autoscalingiface"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
)

// A handful of long, heavily-jittered steps suited to AWS API throttling
// rather than CG's fast exec retries.
var retryBackoff = wait.Backoff{
	Steps:    5,
	Duration: 3 * time.Second,
	Factor:   3.0,
	Jitter:   0.1,
}

func isThrottled(err error) bool {
	awsErr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	switch awsErr.Code() {
	case "RequestLimitExceeded", "Throttling", "ThrottlingException":
		return true
	}
	return false
}

// EC2Adapter implements Adapter over ec2iface.EC2API and
// autoscalingiface.AutoScalingAPI.
type EC2Adapter struct {
	ec2    ec2iface.EC2API
	asg    autoscalingiface.AutoScalingAPI
	gpuTag string // tag key on ASGs identifying the GPU type, e.g. "osdc.io/gpu-type"
	log    logr.Logger
}

func NewEC2Adapter(ec2Client ec2iface.EC2API, asgClient autoscalingiface.AutoScalingAPI, gpuTagKey string, log logr.Logger) *EC2Adapter {
	return &EC2Adapter{ec2: ec2Client, asg: asgClient, gpuTag: gpuTagKey, log: log.WithName("cloudadapter")}
}

func (a *EC2Adapter) DescribeVolume(ctx context.Context, volumeID string) (*Volume, error) {
	var out *ec2.DescribeVolumesOutput
	err := retry.OnError(retryBackoff, isThrottled, func() error {
		var err error
		out, err = a.ec2.DescribeVolumesWithContext(ctx, &ec2.DescribeVolumesInput{
			VolumeIds: []*string{aws.String(volumeID)},
		})
		return err
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && strings.EqualFold(awsErr.Code(), "InvalidVolume.NotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("describing volume %s: %w", volumeID, err)
	}
	if len(out.Volumes) == 0 {
		return nil, nil
	}
	return toVolume(out.Volumes[0]), nil
}

func (a *EC2Adapter) DescribeVolumesByTag(ctx context.Context, tagKey, tagValue string) ([]Volume, error) {
	var out *ec2.DescribeVolumesOutput
	err := retry.OnError(retryBackoff, isThrottled, func() error {
		var err error
		out, err = a.ec2.DescribeVolumesWithContext(ctx, &ec2.DescribeVolumesInput{
			Filters: []*ec2.Filter{{
				Name:   aws.String(fmt.Sprintf("tag:%s", tagKey)),
				Values: []*string{aws.String(tagValue)},
			}},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("describing volumes by tag %s=%s: %w", tagKey, tagValue, err)
	}
	vols := make([]Volume, 0, len(out.Volumes))
	for _, v := range out.Volumes {
		vols = append(vols, *toVolume(v))
	}
	return vols, nil
}

func toVolume(v *ec2.Volume) *Volume {
	tags := map[string]string{}
	for _, t := range v.Tags {
		tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
	attached := ""
	if len(v.Attachments) > 0 {
		attached = aws.StringValue(v.Attachments[0].InstanceId)
	}
	return &Volume{
		VolumeID:   aws.StringValue(v.VolumeId),
		SizeGiB:    int(aws.Int64Value(v.Size)),
		State:      aws.StringValue(v.State),
		AttachedTo: attached,
		Tags:       tags,
	}
}

func (a *EC2Adapter) CreateSnapshot(ctx context.Context, volumeID string, tags map[string]string) (*Snapshot, error) {
	specs := make([]*ec2.Tag, 0, len(tags))
	for k, v := range tags {
		specs = append(specs, &ec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	var out *ec2.Snapshot
	err := retry.OnError(retryBackoff, isThrottled, func() error {
		var err error
		out, err = a.ec2.CreateSnapshotWithContext(ctx, &ec2.CreateSnapshotInput{
			VolumeId: aws.String(volumeID),
			TagSpecifications: []*ec2.TagSpecification{{
				ResourceType: aws.String("snapshot"),
				Tags:         specs,
			}},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating snapshot of volume %s: %w", volumeID, err)
	}
	return &Snapshot{
		SnapshotID: aws.StringValue(out.SnapshotId),
		VolumeID:   volumeID,
		State:      aws.StringValue(out.State),
		Progress:   aws.StringValue(out.Progress),
	}, nil
}

func (a *EC2Adapter) DescribeSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	var out *ec2.DescribeSnapshotsOutput
	err := retry.OnError(retryBackoff, isThrottled, func() error {
		var err error
		out, err = a.ec2.DescribeSnapshotsWithContext(ctx, &ec2.DescribeSnapshotsInput{
			SnapshotIds: []*string{aws.String(snapshotID)},
		})
		return err
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && strings.EqualFold(awsErr.Code(), "InvalidSnapshot.NotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("describing snapshot %s: %w", snapshotID, err)
	}
	if len(out.Snapshots) == 0 {
		return nil, nil
	}
	return toSnapshot(out.Snapshots[0]), nil
}

func (a *EC2Adapter) DescribeSnapshotsForVolume(ctx context.Context, volumeID string) ([]Snapshot, error) {
	var out *ec2.DescribeSnapshotsOutput
	err := retry.OnError(retryBackoff, isThrottled, func() error {
		var err error
		out, err = a.ec2.DescribeSnapshotsWithContext(ctx, &ec2.DescribeSnapshotsInput{
			Filters: []*ec2.Filter{{
				Name:   aws.String("volume-id"),
				Values: []*string{aws.String(volumeID)},
			}},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("describing snapshots for volume %s: %w", volumeID, err)
	}
	snaps := make([]Snapshot, 0, len(out.Snapshots))
	for _, s := range out.Snapshots {
		snaps = append(snaps, *toSnapshot(s))
	}
	return snaps, nil
}

func toSnapshot(s *ec2.Snapshot) *Snapshot {
	return &Snapshot{
		SnapshotID: aws.StringValue(s.SnapshotId),
		VolumeID:   aws.StringValue(s.VolumeId),
		State:      aws.StringValue(s.State),
		Progress:   aws.StringValue(s.Progress),
		StartTime:  aws.TimeValue(s.StartTime),
	}
}

func (a *EC2Adapter) DeleteVolume(ctx context.Context, volumeID string) error {
	err := retry.OnError(retryBackoff, isThrottled, func() error {
		_, err := a.ec2.DeleteVolumeWithContext(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)})
		return err
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && strings.EqualFold(awsErr.Code(), "InvalidVolume.NotFound") {
			return nil
		}
		return fmt.Errorf("deleting volume %s: %w", volumeID, err)
	}
	return nil
}

func (a *EC2Adapter) DescribeASGs(ctx context.Context, clusterPrefix string) ([]ASGInfo, error) {
	var groups []*autoscaling.Group
	err := retry.OnError(retryBackoff, isThrottled, func() error {
		return a.asg.DescribeAutoScalingGroupsPagesWithContext(ctx, &autoscaling.DescribeAutoScalingGroupsInput{},
			func(page *autoscaling.DescribeAutoScalingGroupsOutput, lastPage bool) bool {
				groups = append(groups, page.AutoScalingGroups...)
				return true
			})
	})
	if err != nil {
		return nil, fmt.Errorf("describing auto scaling groups: %w", err)
	}
	out := make([]ASGInfo, 0, len(groups))
	for _, g := range groups {
		name := aws.StringValue(g.AutoScalingGroupName)
		if !strings.HasPrefix(name, clusterPrefix) {
			continue
		}
		gpuType := ""
		for _, t := range g.Tags {
			if aws.StringValue(t.Key) == a.gpuTag {
				gpuType = aws.StringValue(t.Value)
			}
		}
		if gpuType == "" {
			continue
		}
		inService := 0
		for _, inst := range g.Instances {
			if aws.StringValue(inst.LifecycleState) == autoscaling.LifecycleStateInService {
				inService++
			}
		}
		out = append(out, ASGInfo{
			Name:            name,
			GPUType:         gpuType,
			InServiceCount:  inService,
			DesiredCapacity: int(aws.Int64Value(g.DesiredCapacity)),
		})
	}
	return out, nil
}
