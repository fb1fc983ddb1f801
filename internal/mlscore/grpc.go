package mlscore

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	scorerServiceName = "deepaudit.inference.v1.AnomalyScorer"
	scoreMethod       = "/" + scorerServiceName + "/Score"
)

// GRPCScorer calls AnomalyScorer/Score with google.protobuf.Struct payloads,
// so model servers need no generated stubs.
type GRPCScorer struct {
	conn *grpc.ClientConn
}

// DialGRPC connects to an inference server at addr.
func DialGRPC(addr string, opts ...grpc.DialOption) (*GRPCScorer, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("mlscore: connect to %s: %w", addr, err)
	}
	return &GRPCScorer{conn: conn}, nil
}

// Close releases the connection.
func (s *GRPCScorer) Close() error {
	return s.conn.Close()
}

// Score sends the features and reads "score" (0..1) or
// "normalized_risk_score" (0..100) from the reply.
func (s *GRPCScorer) Score(ctx context.Context, modelPath string, f Features) (float64, error) {
	req, err := encodeRequest(modelPath, f)
	if err != nil {
		return 0, err
	}
	resp := new(structpb.Struct)
	if err := s.conn.Invoke(ctx, scoreMethod, req, resp); err != nil {
		return 0, fmt.Errorf("mlscore: invoke: %w", err)
	}
	if v, ok := resp.GetFields()["score"]; ok {
		return v.GetNumberValue(), nil
	}
	if v, ok := resp.GetFields()["normalized_risk_score"]; ok {
		return v.GetNumberValue() / 100, nil
	}
	return 0, fmt.Errorf("mlscore: response carries no score")
}

func encodeRequest(modelPath string, f Features) (*structpb.Struct, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("mlscore: marshal features: %w", err)
	}
	var features map[string]any
	if err := json.Unmarshal(raw, &features); err != nil {
		return nil, fmt.Errorf("mlscore: marshal features: %w", err)
	}
	vector := make([]any, 0, len(VectorNames))
	for _, v := range f.Vector() {
		vector = append(vector, v)
	}
	req, err := structpb.NewStruct(map[string]any{
		"model_path": modelPath,
		"features":   features,
		"vector":     vector,
	})
	if err != nil {
		return nil, fmt.Errorf("mlscore: build request: %w", err)
	}
	return req, nil
}

func decodeRequest(in *structpb.Struct) (string, Features, error) {
	var f Features
	fields := in.GetFields()
	if fv, ok := fields["features"]; ok {
		raw, err := json.Marshal(fv.GetStructValue().AsMap())
		if err != nil {
			return "", f, err
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return "", f, err
		}
	}
	return fields["model_path"].GetStringValue(), f, nil
}

// ScoreServer is the server side of AnomalyScorer.
type ScoreServer interface {
	Score(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type scorerService struct {
	scorer Scorer
}

func (s *scorerService) Score(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	modelPath, f, err := decodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	score, err := s.scorer.Score(ctx, modelPath, f)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"score": score})
}

func scoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScoreServer).Score(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: scoreMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ScoreServer).Score(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var scorerServiceDesc = grpc.ServiceDesc{
	ServiceName: scorerServiceName,
	HandlerType: (*ScoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Score", Handler: scoreHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "deepaudit/inference/v1/scorer.proto",
}

// RegisterScorer serves scorer as AnomalyScorer on s. It lets an in-process
// model, or a test double, stand behind the gRPC transport.
func RegisterScorer(s *grpc.Server, scorer Scorer) {
	s.RegisterService(&scorerServiceDesc, &scorerService{scorer: scorer})
}
