// Package presign mints time-limited S3 GET/PUT URLs and hydrates
// world:// input references into presigned GET URLs before a payload is
// handed to an adapter.
//
// Grounded on original_source/code/apps/core/adapters/base_ws_adapter.py
// (_build_payload, _hydrate_inputs) for the shape of the operation, and
// on the aws-sdk-go-v2/service/s3 dependency already present for every
// example repo that talks to S3.
package presign
