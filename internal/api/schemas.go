package api

// paymentSchema accepts paymentAmount as a JSON number or a numeric
// string. Sign and precision are checked by the engine.
const paymentSchema = `{
  "type": "object",
  "required": ["customerAccount", "vendorAccount", "paymentAmount", "currency", "paymentId", "endToEndId", "xmlContent"],
  "properties": {
    "customerAccount": {"type": "string", "minLength": 1, "maxLength": 50},
    "vendorAccount": {"type": "string", "minLength": 1, "maxLength": 50},
    "paymentAmount": {
      "oneOf": [
        {"type": "number"},
        {"type": "string", "pattern": "^-?[0-9]+(\\.[0-9]+)?$"}
      ]
    },
    "currency": {"type": "string", "minLength": 1, "maxLength": 3},
    "paymentId": {"type": "string", "minLength": 1, "maxLength": 100},
    "endToEndId": {"type": "string", "minLength": 1, "maxLength": 100},
    "xmlContent": {"type": "string", "minLength": 1}
  }
}`
