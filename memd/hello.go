package memd

import "encoding/binary"

// EncodeHelloFeatures encodes a list of feature codes into the value payload
// of a HELLO request.
func EncodeHelloFeatures(features []HelloFeature) []byte {
	payload := make([]byte, len(features)*2)
	for featIdx, feat := range features {
		binary.BigEndian.PutUint16(payload[featIdx*2:], uint16(feat))
	}
	return payload
}

// DecodeHelloFeatures decodes the value payload of a HELLO response into the
// list of features the server enabled.
func DecodeHelloFeatures(payload []byte) ([]HelloFeature, error) {
	if len(payload)%2 != 0 {
		return nil, ErrInvalidBody
	}

	var features []HelloFeature
	for i := 0; i < len(payload); i += 2 {
		features = append(features, HelloFeature(binary.BigEndian.Uint16(payload[i:])))
	}
	return features, nil
}
