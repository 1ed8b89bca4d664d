package grpcapi

import (
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// NewGatewayMux returns a runtime.ServeMux that emits snake_case JSON.
func NewGatewayMux() *runtime.ServeMux {
	return runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{
			MarshalOptions: protojson.MarshalOptions{
				UseProtoNames:   true,
				EmitUnpopulated: true,
			},
			UnmarshalOptions: protojson.UnmarshalOptions{
				DiscardUnknown: true,
			},
		}),
	)
}

// RegisterGateway mounts the HTTP/JSON routes on mux. Each request is
// forwarded to the gRPC service through client.
//
//	GET  /v1/verify/{fingerprint}?expected_timestamp=N
//	POST /v1/verify:batch   {"items": [...]}
func RegisterGateway(mux *runtime.ServeMux, client *VerifierClient) error {
	if err := mux.HandlePath(http.MethodGet, "/v1/verify/{fingerprint}",
		func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			fields := map[string]any{"fingerprint": params["fingerprint"]}
			if ts := r.URL.Query().Get("expected_timestamp"); ts != "" {
				fields["expected_timestamp"] = ts
			}
			in, err := structpb.NewStruct(fields)
			if err != nil {
				writeError(mux, w, r, status.Error(codes.InvalidArgument, err.Error()))
				return
			}
			out, err := client.Verify(r.Context(), in)
			if err != nil {
				writeError(mux, w, r, err)
				return
			}
			writeMessage(mux, w, r, out)
		}); err != nil {
		return err
	}

	return mux.HandlePath(http.MethodPost, "/v1/verify:batch",
		func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			inbound, _ := runtime.MarshalerForRequest(mux, r)
			in := new(structpb.Struct)
			if err := inbound.NewDecoder(r.Body).Decode(in); err != nil {
				writeError(mux, w, r, status.Errorf(codes.InvalidArgument, "invalid JSON body: %v", err))
				return
			}
			out, err := client.VerifyBatch(r.Context(), in)
			if err != nil {
				writeError(mux, w, r, err)
				return
			}
			writeMessage(mux, w, r, out)
		})
}

func writeMessage(mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request, msg proto.Message) {
	_, outbound := runtime.MarshalerForRequest(mux, r)
	body, err := outbound.Marshal(msg)
	if err != nil {
		writeError(mux, w, r, status.Error(codes.Internal, err.Error()))
		return
	}
	w.Header().Set("Content-Type", outbound.ContentType(msg))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeError(mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request, err error) {
	_, outbound := runtime.MarshalerForRequest(mux, r)
	runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
}
