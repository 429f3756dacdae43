package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/aws/smithy-go"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// RekognitionAPI is the subset of the Rekognition client used here.
type RekognitionAPI interface {
	DetectText(ctx context.Context, in *rekognition.DetectTextInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectTextOutput, error)
	DetectLabels(ctx context.Context, in *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
}

type RekognitionDetector struct {
	client        RekognitionAPI
	maxLabels     int32
	minConfidence float32
}

func NewRekognitionDetector(client RekognitionAPI, maxLabels int, minLabelConfidence float64) *RekognitionDetector {
	return &RekognitionDetector{
		client:        client,
		maxLabels:     int32(maxLabels),
		minConfidence: float32(minLabelConfidence),
	}
}

func (d *RekognitionDetector) DetectText(ctx context.Context, image []byte) ([]TextDetection, error) {
	out, err := d.client.DetectText(ctx, &rekognition.DetectTextInput{
		Image: &types.Image{Bytes: image},
	})
	if err != nil {
		return nil, classifyAWSError(err)
	}

	dets := make([]TextDetection, 0, len(out.TextDetections))
	for _, t := range out.TextDetections {
		det := TextDetection{
			Text:       aws.ToString(t.DetectedText),
			Confidence: float64(aws.ToFloat32(t.Confidence)),
			Type:       string(t.Type),
		}
		if t.Geometry != nil && t.Geometry.BoundingBox != nil {
			bb := t.Geometry.BoundingBox
			det.Box = &models.BoundingBox{
				Left:   float64(aws.ToFloat32(bb.Left)),
				Top:    float64(aws.ToFloat32(bb.Top)),
				Width:  float64(aws.ToFloat32(bb.Width)),
				Height: float64(aws.ToFloat32(bb.Height)),
			}
		}
		dets = append(dets, det)
	}
	return dets, nil
}

func (d *RekognitionDetector) DetectLabels(ctx context.Context, image []byte) ([]LabelDetection, error) {
	in := &rekognition.DetectLabelsInput{Image: &types.Image{Bytes: image}}
	if d.maxLabels > 0 {
		in.MaxLabels = aws.Int32(d.maxLabels)
	}
	if d.minConfidence > 0 {
		in.MinConfidence = aws.Float32(d.minConfidence)
	}

	out, err := d.client.DetectLabels(ctx, in)
	if err != nil {
		return nil, classifyAWSError(err)
	}

	labels := make([]LabelDetection, 0, len(out.Labels))
	for _, l := range out.Labels {
		ld := LabelDetection{
			Name:       aws.ToString(l.Name),
			Confidence: float64(aws.ToFloat32(l.Confidence)),
		}
		for _, c := range l.Categories {
			ld.Categories = append(ld.Categories, aws.ToString(c.Name))
		}
		labels = append(labels, ld)
	}
	return labels, nil
}

func classifyAWSError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrDetectorTimeout, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidImageFormatException", "ImageTooLargeException", "InvalidParameterException":
			return fmt.Errorf("%w: %s", ErrDetectorRejected, apiErr.ErrorMessage())
		}
	}
	return fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
}
