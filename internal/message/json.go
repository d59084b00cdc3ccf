package message

import jsoniter "github.com/json-iterator/go"

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func jsonMarshal(v any) ([]byte, error)       { return jsonAPI.Marshal(v) }
func jsonUnmarshal(b []byte, v any) error     { return jsonAPI.Unmarshal(b, v) }
