// Package interpretability explains the predictions of trained cell/tissue-graph
// models.
//
// Two families of explainers are provided:
//
//   - Explainer (pruning explainer): poses explanation as constrained optimization
//     over continuous edge/node masks, trained by gradient descent against the frozen
//     model so that the masked graph reproduces the original prediction while staying
//     sparse. The frozen model's weights never change; only mask parameters do.
//
//   - LegacyCAM / CAM: class-activation-map extractors that capture convolutional
//     layer activations during a forward pass and combine them into one score per
//     node, for a single layer or averaged across several.
//
// All computation is single-threaded synchronous numeric code; the only shared
// resource is the model itself, so at most one explainer may be forwarding through a
// given model at a time.
package interpretability
